// bvctl is the operations CLI for a BatVault deployment: bootstrap the graph
// store, seed fixture data, and smoke-check a running gateway.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	driver "github.com/arangodb/go-driver"
	arangohttp "github.com/arangodb/go-driver/http"
	"github.com/joho/godotenv"

	"github.com/batvault/batvault/internal/config"
	"github.com/batvault/batvault/internal/model"
)

const usage = `bvctl <command> [flags]

Commands:
  bootstrap   create the database, collections, text_en analyzer, and the
              nodes_search view; --vector also creates the vec_hnsw_768 index
  seed        load a JSON fixture ({"nodes":[...],"edges":[...]}) into the graph
  smoke       run end-to-end checks against a running gateway
`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "bootstrap":
		fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)
		vector := fs.Bool("vector", false, "also create the vec_hnsw_768 vector index")
		_ = fs.Parse(os.Args[2:])
		err = bootstrap(ctx, cfg, *vector, logger)
	case "seed":
		fs := flag.NewFlagSet("seed", flag.ExitOnError)
		file := fs.String("file", "fixtures/graph.json", "fixture file to load")
		_ = fs.Parse(os.Args[2:])
		err = seed(ctx, cfg, *file, logger)
	case "smoke":
		fs := flag.NewFlagSet("smoke", flag.ExitOnError)
		gatewayURL := fs.String("gateway", "http://localhost:8080", "gateway base URL")
		question := fs.String("question", "why was the decision taken", "query to stream")
		_ = fs.Parse(os.Args[2:])
		err = smoke(ctx, *gatewayURL, *question, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, cfg config.Config) (driver.Database, driver.Connection, error) {
	conn, err := arangohttp.NewConnection(arangohttp.ConnectionConfig{Endpoints: cfg.ArangoHosts})
	if err != nil {
		return nil, nil, fmt.Errorf("bvctl: connect: %w", err)
	}
	client, err := driver.NewClient(driver.ClientConfig{
		Connection:     conn,
		Authentication: driver.BasicAuthentication(cfg.ArangoUser, cfg.ArangoPassword),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("bvctl: client: %w", err)
	}

	exists, err := client.DatabaseExists(ctx, cfg.ArangoDB)
	if err != nil {
		return nil, nil, fmt.Errorf("bvctl: database check: %w", err)
	}
	if !exists {
		if _, err := client.CreateDatabase(ctx, cfg.ArangoDB, nil); err != nil {
			return nil, nil, fmt.Errorf("bvctl: create database: %w", err)
		}
	}
	db, err := client.Database(ctx, cfg.ArangoDB)
	if err != nil {
		return nil, nil, fmt.Errorf("bvctl: open database: %w", err)
	}
	return db, conn, nil
}

// bootstrap is idempotent: every step checks for existence first, so it can
// run on every deploy.
func bootstrap(ctx context.Context, cfg config.Config, vector bool, logger *slog.Logger) error {
	db, conn, err := connect(ctx, cfg)
	if err != nil {
		return err
	}

	if err := ensureCollection(ctx, db, "nodes", nil); err != nil {
		return err
	}
	if err := ensureCollection(ctx, db, "edges", &driver.CreateCollectionOptions{
		Type: driver.CollectionTypeEdge,
	}); err != nil {
		return err
	}

	// BM25 analyzer over the free-text fields.
	stemming := true
	accent := false
	_, _, err = db.EnsureAnalyzer(ctx, driver.ArangoSearchAnalyzerDefinition{
		Name: "text_en",
		Type: driver.ArangoSearchAnalyzerTypeText,
		Properties: driver.ArangoSearchAnalyzerProperties{
			Locale:   "en",
			Case:     driver.ArangoSearchCaseLower,
			Stemming: &stemming,
			Accent:   &accent,
		},
	})
	if err != nil {
		return fmt.Errorf("bvctl: ensure analyzer: %w", err)
	}
	logger.Info("analyzer ready", "name", "text_en")

	viewExists, err := db.ViewExists(ctx, "nodes_search")
	if err != nil {
		return fmt.Errorf("bvctl: view check: %w", err)
	}
	if !viewExists {
		textFields := driver.ArangoSearchFields{}
		for _, f := range []string{"rationale", "description", "reason", "summary", "title"} {
			textFields[f] = driver.ArangoSearchElementProperties{Analyzers: []string{"text_en"}}
		}
		_, err = db.CreateArangoSearchView(ctx, "nodes_search", &driver.ArangoSearchViewProperties{
			Links: driver.ArangoSearchLinks{
				"nodes": driver.ArangoSearchElementProperties{Fields: textFields},
			},
		})
		if err != nil {
			return fmt.Errorf("bvctl: create view: %w", err)
		}
	}
	logger.Info("search view ready", "name", "nodes_search")

	if vector {
		if err := ensureVectorIndex(ctx, conn, cfg.ArangoDB); err != nil {
			return err
		}
		logger.Info("vector index ready", "name", "vec_hnsw_768")
	}
	return nil
}

func ensureCollection(ctx context.Context, db driver.Database, name string, opts *driver.CreateCollectionOptions) error {
	exists, err := db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("bvctl: collection check %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := db.CreateCollection(ctx, name, opts); err != nil {
		return fmt.Errorf("bvctl: create collection %s: %w", name, err)
	}
	return nil
}

// ensureVectorIndex creates the 768-dim HNSW index over node embeddings. The
// driver has no typed API for vector indexes yet, so this goes over the raw
// connection; a 409 means the index already exists.
func ensureVectorIndex(ctx context.Context, conn driver.Connection, dbName string) error {
	req, err := conn.NewRequest(http.MethodPost, "/_db/"+dbName+"/_api/index")
	if err != nil {
		return fmt.Errorf("bvctl: vector index request: %w", err)
	}
	req.SetQuery("collection", "nodes")
	if _, err := req.SetBody(map[string]any{
		"type":   "vector",
		"name":   "vec_hnsw_768",
		"fields": []string{"embedding"},
		"params": map[string]any{
			"metric":    "cosine",
			"dimension": 768,
			"nLists":    1,
		},
	}); err != nil {
		return fmt.Errorf("bvctl: vector index body: %w", err)
	}

	resp, err := conn.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("bvctl: create vector index: %w", err)
	}
	if err := resp.CheckStatus(200, 201, 409); err != nil {
		return fmt.Errorf("bvctl: create vector index: %w", err)
	}
	return nil
}

// seedFile is the fixture format: plain documents for the nodes collection
// and _from/_to documents for edges.
type seedFile struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
}

func seed(ctx context.Context, cfg config.Config, file string, logger *slog.Logger) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("bvctl: read fixture: %w", err)
	}
	var fixture seedFile
	if err := json.Unmarshal(data, &fixture); err != nil {
		return fmt.Errorf("bvctl: parse fixture: %w", err)
	}

	db, _, err := connect(ctx, cfg)
	if err != nil {
		return err
	}

	for col, docs := range map[string][]map[string]any{
		"nodes": fixture.Nodes,
		"edges": fixture.Edges,
	} {
		if len(docs) == 0 {
			continue
		}
		collection, err := db.Collection(ctx, col)
		if err != nil {
			return fmt.Errorf("bvctl: open collection %s: %w", col, err)
		}
		// Overwrite keeps seeding idempotent across runs.
		if _, _, err := collection.CreateDocuments(driver.WithOverwrite(ctx), docs); err != nil {
			return fmt.Errorf("bvctl: seed %s: %w", col, err)
		}
		logger.Info("seeded", "collection", col, "count", len(docs))
	}
	return nil
}

// smoke drives a running gateway end to end: health, config, and one query
// stream, verifying the citation-scope invariant on the final frame.
func smoke(ctx context.Context, gatewayURL, question string, logger *slog.Logger) error {
	client := &http.Client{Timeout: 30 * time.Second}

	if err := smokeGET(ctx, client, gatewayURL+"/health", nil); err != nil {
		return err
	}
	var cfgView struct {
		Policy struct {
			PolicyFP string `json:"policy_fp"`
		} `json:"policy"`
	}
	if err := smokeGET(ctx, client, gatewayURL+"/config", &cfgView); err != nil {
		return err
	}
	if !strings.HasPrefix(cfgView.Policy.PolicyFP, "sha256:") {
		return fmt.Errorf("bvctl: config policy_fp malformed: %q", cfgView.Policy.PolicyFP)
	}
	logger.Info("config ok", "policy_fp", cfgView.Policy.PolicyFP)

	body, err := json.Marshal(model.QueryRequest{Question: question})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/v3/query", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("bvctl: query: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bvctl: query status %d", resp.StatusCode)
	}

	var last map[string]json.RawMessage
	frames := 0
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		frames++
		last = map[string]json.RawMessage{}
		if err := json.Unmarshal([]byte(line), &last); err != nil {
			return fmt.Errorf("bvctl: frame %d is not JSON: %w", frames, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("bvctl: read stream: %w", err)
	}
	if frames == 0 {
		return fmt.Errorf("bvctl: empty stream")
	}

	var evt string
	_ = json.Unmarshal(last["evt"], &evt)
	switch evt {
	case model.EvtError:
		return fmt.Errorf("bvctl: stream ended with error frame: %s", last["message"])
	case model.EvtFinal:
	default:
		return fmt.Errorf("bvctl: stream ended without a terminal frame (evt=%q)", evt)
	}

	var final model.FinalFrame
	raw, _ := json.Marshal(last)
	if err := json.Unmarshal(raw, &final); err != nil {
		return fmt.Errorf("bvctl: decode final frame: %w", err)
	}
	allowed := make(map[string]struct{}, len(final.Response.Evidence.AllowedIDs))
	for _, id := range final.Response.Evidence.AllowedIDs {
		allowed[id] = struct{}{}
	}
	for _, id := range final.Response.Answer.SupportingIDs {
		if _, ok := allowed[id]; !ok {
			return fmt.Errorf("bvctl: supporting id %q outside allowed_ids", id)
		}
	}
	logger.Info("smoke ok",
		"frames", frames,
		"fallback_used", final.Response.Meta.Runtime.FallbackUsed,
		"latency_ms", final.Response.Meta.Runtime.LatencyMS,
	)
	return nil
}

func smokeGET(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("bvctl: GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bvctl: GET %s: status %d", url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("bvctl: GET %s: decode: %w", url, err)
		}
	}
	return nil
}
