// Package admin — HTTP-панель оператора: состояние бота, ручное discovery,
// снятие stale с команды, капча и включение рыбалки.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route"
	"go.uber.org/zap"

	"github.com/EgorLis/Fishbot/internal/bot"
	"github.com/EgorLis/Fishbot/internal/explorer"
	"github.com/EgorLis/Fishbot/internal/parser"
)

const shutdownTimeout = 5 * time.Second

// Controller — bot.Bot.
type Controller interface {
	Status(ctx context.Context) bot.Status
	Refresh(ctx context.Context) (int, error)
	Revalidate(ctx context.Context, name string) bool
	SubmitCaptcha(ctx context.Context, code string) error
	ResolveCaptcha() error
	SetFishing(on bool) error
	ShopItems(ctx context.Context) ([]parser.ShopItem, error)
}

type Handler struct {
	Bot Controller
	Log *zap.Logger
}

func (h Handler) RegisterRoutes(e *route.Engine) {
	e.GET("/status", h.status)
	e.GET("/shop", h.shop)
	e.POST("/refresh", h.refresh)
	e.POST("/commands/:name/revalidate", h.revalidate)

	captcha := e.Group("/captcha")
	captcha.POST("/solve", h.solve)
	captcha.POST("/resolve", h.resolve)

	fishing := e.Group("/fishing")
	fishing.POST("/start", h.fishing(true))
	fishing.POST("/stop", h.fishing(false))
}

type refreshResponse struct {
	Outcome  string `json:"outcome"`
	Commands int    `json:"commands"`
}

type solveRequest struct {
	Code string `json:"code"`
}

func (h Handler) status(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, h.Bot.Status(c))
}

func (h Handler) shop(c context.Context, ctx *app.RequestContext) {
	items, err := h.Bot.ShopItems(c)
	if err != nil {
		h.Log.Warn("shop items failed", zap.Error(err))
		writeErrorBody(ctx, consts.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if items == nil {
		items = []parser.ShopItem{}
	}
	ctx.JSON(consts.StatusOK, map[string]any{"items": items})
}

func (h Handler) refresh(c context.Context, ctx *app.RequestContext) {
	n, err := h.Bot.Refresh(c)
	if err != nil {
		var de *explorer.DiscoveryError
		if errors.As(err, &de) && de.Kind == explorer.DiscoveryRateLimited {
			ctx.JSON(consts.StatusOK, refreshResponse{Outcome: string(de.Kind), Commands: n})
			return
		}
		writeErrorBody(ctx, consts.StatusBadGateway, "discovery_failed", err.Error())
		return
	}
	ctx.JSON(consts.StatusOK, refreshResponse{Outcome: "discovered", Commands: n})
}

func (h Handler) revalidate(c context.Context, ctx *app.RequestContext) {
	name := ctx.Param("name")
	if !h.Bot.Revalidate(c, name) {
		writeErrorBody(ctx, consts.StatusNotFound, "unknown_command", "command "+name+" is not in the registry")
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"command": name, "stale": false})
}

func (h Handler) solve(c context.Context, ctx *app.RequestContext) {
	var body solveRequest
	if err := decodeJSON(ctx, &body); err != nil {
		writeErrorBody(ctx, consts.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if err := h.Bot.SubmitCaptcha(c, body.Code); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]any{"sent": true})
}

func (h Handler) resolve(c context.Context, ctx *app.RequestContext) {
	if err := h.Bot.ResolveCaptcha(); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"resolved": true})
}

func (h Handler) fishing(on bool) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if err := h.Bot.SetFishing(on); err != nil {
			writeErrorBody(ctx, consts.StatusConflict, "bot_not_running", err.Error())
			return
		}
		ctx.JSON(consts.StatusOK, map[string]any{"fishing": on})
	}
}

func decodeJSON(ctx *app.RequestContext, out any) error {
	body := ctx.Request.Body()
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func writeError(ctx *app.RequestContext, err error) {
	switch {
	case errors.Is(err, bot.ErrNotInCaptcha):
		writeErrorBody(ctx, consts.StatusConflict, "no_captcha", err.Error())
	default:
		writeErrorBody(ctx, consts.StatusBadRequest, "rejected", err.Error())
	}
}

func writeErrorBody(ctx *app.RequestContext, status int, code, message string) {
	ctx.JSON(status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// Serve поднимает HTTP на addr и гасит его по ctx.
func Serve(ctx context.Context, addr string, h Handler) error {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	s := server.Default(
		server.WithHostPorts(addr),
		server.WithDisablePrintRoute(true),
	)
	h.RegisterRoutes(s.Engine)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()
	h.Log.Info("admin listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		return err
	}
	return nil
}
