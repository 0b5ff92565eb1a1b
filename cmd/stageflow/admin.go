package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utkarsh5026/stageflow/pipeline"
)

// stageView is the JSON form of one stage snapshot.
type stageView struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Queued          int    `json:"queued"`
	Capacity        int    `json:"capacity"`
	Workers         int    `json:"workers"`
	Downstream      int    `json:"downstream"`
	Pushed          int64  `json:"pushed"`
	Popped          int64  `json:"popped"`
	Handled         int64  `json:"handled"`
	Rejected        int64  `json:"rejected"`
	FullEpisodes    int64  `json:"full_episodes"`
	Forwarded       int64  `json:"forwarded"`
	ForwardRejected int64  `json:"forward_rejected"`
	Timeouts        int64  `json:"timeouts"`
	HookPanics      int64  `json:"hook_panics"`
}

func viewsOf(stats []pipeline.StageStats) []stageView {
	out := make([]stageView, 0, len(stats))
	for _, st := range stats {
		out = append(out, stageView{
			ID:              st.ID.String(),
			Name:            st.Name,
			Queued:          st.Queued,
			Capacity:        st.Capacity,
			Workers:         st.Workers,
			Downstream:      st.Downstream,
			Pushed:          st.Pushed,
			Popped:          st.Popped,
			Handled:         st.Handled,
			Rejected:        st.Rejected,
			FullEpisodes:    st.FullEpisodes,
			Forwarded:       st.Forwarded,
			ForwardRejected: st.ForwardRejected,
			Timeouts:        st.Timeouts,
			HookPanics:      st.HookPanics,
		})
	}
	return out
}

// newAdminRouter serves Prometheus metrics from reg and stage snapshots from
// stats.
func newAdminRouter(reg *prom.Registry, stats func() []pipeline.StageStats) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	r.GET("/stages", func(c *gin.Context) {
		c.JSON(http.StatusOK, viewsOf(stats()))
	})
	r.GET("/stages/:id", func(c *gin.Context) {
		id, err := pipeline.ParseStageID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for _, v := range viewsOf(stats()) {
			if v.ID == id.String() {
				c.JSON(http.StatusOK, v)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": pipeline.ErrStageNotFound.Error()})
	})

	return r
}

// serveAdmin runs the admin server on addr until ctx ends.
func serveAdmin(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
