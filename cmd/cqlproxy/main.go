// Command cqlproxy starts the system.local/system.peers-intercepting CQL
// proxy: it binds a listener, bootstraps the default backend session, and
// spawns one client.Conn per accepted connection.
//
// Grounded on _examples/mevdschee-tqdbproxy/cmd/tqdbproxy/main.go's
// flag-parse/config-load/metrics-init/signal-wait shape, adapted from
// tqdbproxy's per-protocol (MariaDB, PostgreSQL) proxy construction to this
// proxy's single CQL listener and backend.RawConn bootstrap
// (original_source/src/proxy.c's main(), SPEC_FULL.md §6 "Backend
// bootstrap").
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/mevdschee/cqlproxy/backend"
	"github.com/mevdschee/cqlproxy/client"
	"github.com/mevdschee/cqlproxy/codec"
	"github.com/mevdschee/cqlproxy/config"
	"github.com/mevdschee/cqlproxy/cqlproto"
	"github.com/mevdschee/cqlproxy/metrics"
	"github.com/mevdschee/cqlproxy/preparedcache"
	"github.com/mevdschee/cqlproxy/proxy"
	"github.com/mevdschee/cqlproxy/resultcache"
	"github.com/mevdschee/cqlproxy/sessionregistry"
	"github.com/mevdschee/cqlproxy/synth"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	metrics.Init()
	if cfg.MetricsListen != "" {
		go func() {
			http.Handle("/metrics", metrics.Handler())
			log.Printf("[cqlproxy] metrics listening on %s", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, nil); err != nil {
				log.Printf("[cqlproxy] metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The secure connect bundle's real job is resolving a TLS-wrapped
	// contact point; parsing it is an explicit Non-goal (SPEC_FULL.md
	// §4.12), so this driver adapter treats --bundle's value directly as
	// the backend's host:port, per DESIGN.md's note on what
	// backend.TCPDriver dials.
	driver := &backend.TCPDriver{Addr: cfg.Bundle}

	registry, err := sessionregistry.New(ctx, driver, cfg.Bundle)
	if err != nil {
		log.Fatalf("[cqlproxy] backend bootstrap: %v", err)
	}

	boot, err := fetchBootInfo(ctx, registry)
	if err != nil {
		log.Fatalf("[cqlproxy] backend bootstrap: %v", err)
	}
	log.Printf("[cqlproxy] backend release_version=%s partitioner=%s", boot.ReleaseVersion, boot.Partitioner)

	prepared := preparedcache.New()
	rcCfg := resultcache.DefaultConfig()
	rcCfg.Enabled = cfg.ResultCacheEnabled
	if cfg.ResultCacheTTL > 0 {
		rcCfg.TTL = cfg.ResultCacheTTL
	}
	if cfg.ResultCacheMaxEntries > 0 {
		rcCfg.MaxEntries = cfg.ResultCacheMaxEntries
	}
	results, err := resultcache.New(rcCfg)
	if err != nil {
		log.Fatalf("[cqlproxy] result cache: %v", err)
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	server, err := proxy.Listen("cqlproxy", listenAddr)
	if err != nil {
		log.Fatalf("[cqlproxy] listen %s: %v", listenAddr, err)
	}

	var nextID atomic.Uint64
	go server.Serve(func(conn net.Conn) {
		id := nextID.Add(1)
		metrics.ActiveClients.Inc()
		defer metrics.ActiveClients.Dec()
		client.New(id, conn, ctx, registry, prepared, results, boot).Serve()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[cqlproxy] shutting down...")
	cancel()
	server.Close()
}

// fetchBootInfo issues SELECT release_version, partitioner FROM system.local
// against the already-connected default session and decodes the single
// returned row, per SPEC_FULL.md §6 "Backend bootstrap".
func fetchBootInfo(ctx context.Context, registry *sessionregistry.Registry) (synth.BootInfo, error) {
	sess := registry.Get("").Session()

	var body bytes.Buffer
	codec.PutLongString(&body, "SELECT release_version, partitioner FROM system.local")
	codec.PutUint16(&body, 1) // consistency ONE; not interpreted by this proxy

	result, err := sess.ExecuteRaw(ctx, cqlproto.OpQuery, 0, body.Bytes())
	if err != nil {
		return synth.BootInfo{}, fmt.Errorf("query system.local: %w", err)
	}
	if result.Opcode != cqlproto.OpResult {
		return synth.BootInfo{}, fmt.Errorf("query system.local: unexpected opcode %v", result.Opcode)
	}
	return decodeBootInfo(result.Frame)
}

// decodeBootInfo walks a RESULT/Rows body for the two requested columns,
// handling both the global-table-spec and per-column-table-spec metadata
// shapes (flag bit 0x0001 selects between them).
func decodeBootInfo(body []byte) (synth.BootInfo, error) {
	kind, rest, err := codec.ReadInt32(body)
	if err != nil {
		return synth.BootInfo{}, err
	}
	if cqlproto.ResultKind(kind) != cqlproto.ResultRows {
		return synth.BootInfo{}, fmt.Errorf("system.local: expected Rows result, got kind %d", kind)
	}

	flags, rest, err := codec.ReadInt32(rest)
	if err != nil {
		return synth.BootInfo{}, err
	}
	columnCount, rest, err := codec.ReadInt32(rest)
	if err != nil {
		return synth.BootInfo{}, err
	}

	const globalTablesSpec = 0x0001
	if flags&globalTablesSpec != 0 {
		_, rest, err = codec.ReadString(rest) // keyspace
		if err != nil {
			return synth.BootInfo{}, err
		}
		_, rest, err = codec.ReadString(rest) // table
		if err != nil {
			return synth.BootInfo{}, err
		}
	}

	names := make([]string, columnCount)
	for i := range names {
		if flags&globalTablesSpec == 0 {
			_, rest, err = codec.ReadString(rest) // keyspace
			if err != nil {
				return synth.BootInfo{}, err
			}
			_, rest, err = codec.ReadString(rest) // table
			if err != nil {
				return synth.BootInfo{}, err
			}
		}
		var name string
		name, rest, err = codec.ReadString(rest)
		if err != nil {
			return synth.BootInfo{}, err
		}
		_, rest, err = codec.ReadUint16(rest) // column type id
		if err != nil {
			return synth.BootInfo{}, err
		}
		names[i] = name
	}

	rowCount, rest, err := codec.ReadInt32(rest)
	if err != nil {
		return synth.BootInfo{}, err
	}
	if rowCount < 1 {
		return synth.BootInfo{}, fmt.Errorf("system.local: expected at least one row")
	}

	var boot synth.BootInfo
	for i := 0; i < int(columnCount); i++ {
		var valBytes []byte
		valBytes, rest, err = codec.ReadBytes(rest)
		if err != nil {
			return synth.BootInfo{}, err
		}
		switch names[i] {
		case "release_version":
			boot.ReleaseVersion = string(valBytes)
		case "partitioner":
			boot.Partitioner = string(valBytes)
		}
	}

	if boot.ReleaseVersion == "" || boot.Partitioner == "" {
		return synth.BootInfo{}, fmt.Errorf("system.local: missing release_version/partitioner in response")
	}
	return boot, nil
}
