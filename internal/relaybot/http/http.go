package http

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"tickrelay.com/internal/relay"
	"tickrelay.com/internal/tap/ws"
	"tickrelay.com/internal/telegram"
	"tickrelay.com/pkg/common"
	"tickrelay.com/pkg/middleware"
	"tickrelay.com/pkg/ratelimit"
)

type Deps struct {
	ServiceName string
	Registry    *relay.Registry
	Limits      *ratelimit.Store

	// Webhook is nil in polling mode.
	Webhook       *telegram.Router
	WebhookSecret string

	// Ticks is nil unless the websocket tap is enabled.
	Ticks *ws.Server
}

type streamView struct {
	Session   string    `json:"session"`
	Symbol    string    `json:"symbol"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// NewRouter serves /metrics (via ginprom), /healthz and /api/streams, plus
// the Telegram webhook and /ws/ticks when those are enabled.
func NewRouter(addr string, d Deps) *http.Server {
	r := gin.New()
	p := ginprom.NewPrometheus("tickrelay")
	p.Use(r)
	r.Use(
		otelgin.Middleware(d.ServiceName),
		middleware.ReqId(),
		middleware.Recover(),
	)

	r.GET("/healthz", func(c *gin.Context) {
		common.OK(c, gin.H{"streams": d.Registry.Len()})
	})

	api := r.Group("/api", cors.Default())
	api.GET("/streams", func(c *gin.Context) {
		snap := d.Registry.Snapshot()
		out := make([]streamView, 0, len(snap))
		for id, h := range snap {
			out = append(out, streamView{
				Session:   string(id),
				Symbol:    h.Symbol(),
				State:     h.State().String(),
				StartedAt: h.StartedAt(),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
		common.OK(c, out)
	})

	if d.Ticks != nil {
		r.GET("/ws/ticks", gin.WrapF(d.Ticks.ServeWS))
	}

	if d.Webhook != nil {
		hook := []gin.HandlerFunc{}
		if d.Limits != nil {
			hook = append(hook, middleware.RateLimit(d.Limits))
		}
		hook = append(hook, telegram.Webhook(d.Webhook, d.WebhookSecret))
		r.POST(telegram.WebhookRoute(d.WebhookSecret), hook...)
	}

	return &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}
