// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/membrane/pkg/extensions"
	"github.com/AleutianAI/membrane/services/membrane"
	dt "github.com/AleutianAI/membrane/services/membrane/datatypes"
	"github.com/AleutianAI/membrane/services/membrane/storage/badger"
	"github.com/AleutianAI/membrane/services/membrane/telemetry"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve membrane telemetry over HTTP",
		Long: `Builds a membrane and serves its snapshot, a websocket snapshot
stream, the healing audit and Prometheus metrics. Snapshots are exported
on the telemetry interval to the store, InfluxDB and a Cloud Storage
archive when configured. The monitor registry file is hot-reloaded when
ensemble.watch is set.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
	serveAddr   string
	serveDebug  bool
	serveProbes int
	serveToken  string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable gin debug mode and request logging")
	serveCmd.Flags().IntVar(&serveProbes, "probes", 0, "Pointer-validation calls per telemetry interval, for demos")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required by /v1 routes other than health (default $"+tokenEnvVar+")")
}

// AuditReader reads stored audit records.
type AuditReader interface {
	Audit(ctx context.Context, instance string, after uint64, limit int) ([]badger.AuditRecord, error)
}

// maxAuditLimit caps one /v1/audit page.
const maxAuditLimit = 5000

// tokenEnvVar supplies the serve API token when --token is not given.
const tokenEnvVar = "MEMBRANE_API_TOKEN"

// requireRole authenticates the bearer token and checks role.
func requireRole(auth extensions.AuthProvider, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		info, err := auth.Validate(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !info.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "required_role": role})
			return
		}
		c.Set("user", info.UserID)
		c.Next()
	}
}

// newRouter builds the HTTP API over m. A nil audit reader serves the
// healing policy's in-memory ring instead; a nil auth admits everyone.
func newRouter(m *membrane.Membrane, audit AuditReader, metrics http.Handler, auth extensions.AuthProvider, debug bool) *gin.Engine {
	if auth == nil {
		auth = extensions.NopAuthProvider{}
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("membrane"))
	if debug {
		router.Use(gin.Logger())
	}

	router.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "instance": m.ID(), "level": m.Level().String()})
	})

	v1 := router.Group("/v1", requireRole(auth, extensions.RoleViewer))
	v1.GET("/snapshot", func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Snapshot())
	})
	v1.GET("/audit", func(c *gin.Context) {
		after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an unsigned integer"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 || limit > maxAuditLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit must be in [1, %d]", maxAuditLimit)})
			return
		}
		instance := c.DefaultQuery("instance", m.ID())

		var recs []badger.AuditRecord
		if audit != nil {
			if recs, err = audit.Audit(c.Request.Context(), instance, after, limit); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else if instance == m.ID() {
			recs = recentAudit(m, after, limit)
		}
		if recs == nil {
			recs = []badger.AuditRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"instance": instance, "records": recs})
	})
	v1.GET("/stream", streamSnapshots(m, slogger().With("component", "stream")))
	v1.POST("/recalibrate", requireRole(auth, extensions.RoleOperator), func(c *gin.Context) {
		m.Recalibrate()
		c.Status(http.StatusNoContent)
	})

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	return router
}

// recentAudit serves the in-memory ring as audit records.
func recentAudit(m *membrane.Membrane, after uint64, limit int) []badger.AuditRecord {
	var out []badger.AuditRecord
	for _, e := range m.Heal().Recent(m.Heal().Summary().Retained) {
		if e.Seq <= after {
			continue
		}
		out = append(out, badger.AuditRecord{Instance: m.ID(), Entry: e})
		if len(out) == limit {
			break
		}
	}
	return out
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	if serveDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx := cmd.Context()
	log := slogger().With("component", "serve")

	m, err := newMembrane()
	if err != nil {
		return err
	}
	defer m.Close()

	provider, err := telemetry.Setup(ctx, cfg.Telemetry, m, m.ID())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	var sinks []telemetry.SnapshotSink
	var audit AuditReader
	var store *badger.Store
	if cfg.Storage.Enabled() {
		if store, err = openStore(m.ID()); err != nil {
			return err
		}
		defer store.Close()
		sinks = append(sinks, store)
		audit = store
	}
	if cfg.Telemetry.Influx.URL != "" {
		influx, err := telemetry.NewInfluxSink(cfg.Telemetry.Influx)
		if err != nil {
			return err
		}
		defer influx.Close()
		sinks = append(sinks, influx)
	}
	if cfg.Telemetry.Archive.Bucket != "" {
		archive, err := telemetry.NewArchiveSink(ctx, cfg.Telemetry.Archive)
		if err != nil {
			return err
		}
		defer archive.Close()
		sinks = append(sinks, archive)
	}
	exporter := telemetry.NewExporter(m, cfg.Telemetry.Interval, slogger(), sinks...)
	if store != nil {
		exporter.WithAudit(store)
	}

	var metrics http.Handler
	if cfg.Telemetry.Prometheus {
		metrics = provider.Handler()
	}
	var auth extensions.AuthProvider
	if token := cmp.Or(serveToken, os.Getenv(tokenEnvVar)); token != "" {
		if auth, err = extensions.NewTokenAuthProvider(token, ""); err != nil {
			return err
		}
	}
	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           newRouter(m, audit, metrics, auth, serveDebug),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", serveAddr, "instance", m.ID(), "level", m.Level().String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return exporter.Run(gctx) })
	g.Go(func() error { return m.WatchRegistry(gctx) })
	if serveProbes > 0 {
		g.Go(func() error { return demoTraffic(gctx, m, serveProbes, log) })
	}
	return g.Wait()
}

// demoTraffic sends calls probes every telemetry interval until ctx is
// done, rotating through the API families.
func demoTraffic(ctx context.Context, m *membrane.Membrane, calls int, log *slog.Logger) error {
	interval := cfg.Telemetry.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	families := dt.Families()
	t := time.NewTicker(interval)
	defer t.Stop()
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := probe(ctx, m, ProbeSpec{Family: families[tick%len(families)], Calls: calls, AdverseEvery: 50})
			if err != nil && ctx.Err() == nil {
				return err
			}
			log.Debug("demo traffic", "family", res.Family, "healed", res.Healed, "refused", res.Refused)
		}
	}
}
