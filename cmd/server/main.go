package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"marketmigration/api"
	"marketmigration/pkg/engine"
	"marketmigration/pkg/models"
	"marketmigration/pkg/store"
)

// defaultTables are created on startup so runs against the standard record
// types pass target preparation out of the box.
var defaultTables = []string{"trades", "candles", "snapshots"}

// naturalKey projects a record onto its natural key. Records may carry an
// explicit natural_key field; otherwise the key is a digest of the record's
// sorted fields.
func naturalKey(rec models.Record) string {
	if key, ok := rec["natural_key"].(string); ok && key != "" {
		return key
	}

	fields := make([]string, 0, len(rec))
	for k := range rec {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, k := range fields {
		v, _ := json.Marshal(rec[k])
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(v)
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	connectionString := os.Getenv("DB_CONNECTION_STRING")
	if connectionString == "" {
		logrus.Fatal("DB_CONNECTION_STRING environment variable is required")
	}

	pg, err := store.NewPostgresStore(connectionString)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize destination store")
	}
	defer pg.Close()

	ctx := context.Background()
	for _, table := range defaultTables {
		if err := pg.EnsureTable(ctx, table); err != nil {
			logrus.WithError(err).Fatalf("failed to prepare table %s", table)
		}
	}

	auditSink, err := store.NewPostgresAuditSink(pg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize audit sink")
	}

	eng, err := engine.New(engine.Config{
		Dest:      pg,
		AuditSink: auditSink,
		KeyFn:     naturalKey,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize engine")
	}
	defer eng.Close()

	server := api.NewServer(eng)
	if err := server.Scheduler().Start(); err != nil {
		logrus.WithError(err).Fatal("failed to start scheduler")
	}
	defer server.Scheduler().Stop()

	router := api.SetupRouter(server)

	logrus.Infof("migration API listening on port %s", port)
	if err := router.Run(fmt.Sprintf(":%s", port)); err != nil {
		logrus.WithError(err).Fatal("server exited")
	}
}
