// README: Bench cases: environment, API flow, consistency, concurrency and throughput checks.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"

	offerWait = 10 * time.Second
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// rideID is the ride driven through the full trip by the flow cases.
	rideID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

var (
	pickup      = map[string]float64{"lat": -33.9249, "lng": 18.4241}
	destination = map[string]float64{"lat": -33.9608, "lng": 18.4750}
	rideBody    = map[string]any{"pickup": pickup, "destination": destination, "vehicle_class": "standard"}
)

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	driverPath := "/api/drivers/" + r.cfg.DriverID
	return []TestCase{
		{Name: "Env: Postgres connect", Run: pingDB},
		{Name: "Env: Redis connect", Run: pingRedis},
		{Name: "Migration: apply (optional)", Run: applyMigration},
		{Name: "Migration: tables exist", Run: tablesExist},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
		}},
		{Name: "Auth: missing token -> 401", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/quotes", "", rideBody, http.StatusUnauthorized)
		}},

		riderCase("Pricing: quote (valid)", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/quotes", r.cfg.RiderToken, rideBody, http.StatusOK)
		}),
		riderCase("Pricing: quote unknown class -> 400", func(ctx context.Context, r *Runner) Result {
			body := map[string]any{"pickup": pickup, "destination": destination, "vehicle_class": "hovercraft"}
			return r.expect(ctx, http.MethodPost, "/api/quotes", r.cfg.RiderToken, body, http.StatusBadRequest)
		}),

		driverCase("Driver: register", func(ctx context.Context, r *Runner) Result {
			body := map[string]any{"vehicle_class": "standard", "device_token": "bench-device"}
			return r.expect(ctx, http.MethodPut, driverPath, r.cfg.DriverToken, body, http.StatusOK)
		}),
		driverCase("Driver: location at pickup", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, driverPath+"/location", r.cfg.DriverToken, pickup, http.StatusAccepted)
		}),
		driverCase("Driver: invalid coords -> 400", func(ctx context.Context, r *Runner) Result {
			body := map[string]float64{"lat": 123, "lng": 456}
			return r.expect(ctx, http.MethodPost, driverPath+"/location", r.cfg.DriverToken, body, http.StatusBadRequest)
		}),
		driverCase("Driver: available", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, driverPath+"/availability", r.cfg.DriverToken, map[string]bool{"available": true}, http.StatusOK)
		}),

		riderCase("Ride: request (valid)", func(ctx context.Context, r *Runner) Result {
			id, res := r.createRide(ctx)
			r.rideID = id
			return res
		}),
		riderCase("Ride: duplicate active -> 409", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/rides", r.cfg.RiderToken, rideBody, http.StatusConflict)
		}),
		driverCase("Trip: accept offer", func(ctx context.Context, r *Runner) Result {
			return r.acceptOffer(ctx, r.rideID)
		}),
		driverCase("Trip: start", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/start", r.cfg.DriverToken, nil, http.StatusOK)
		}),
		driverCase("Trip: start again is idempotent", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/start", r.cfg.DriverToken, nil, http.StatusOK)
		}),
		driverCase("Trip: complete", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/complete", r.cfg.DriverToken, nil, http.StatusOK)
		}),
		riderCase("Trip: completed cannot be cancelled", func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/cancel", r.cfg.RiderToken, nil, http.StatusConflict)
		}),

		{Name: "Consistency: events follow status_version", Run: checkEvents},
		{Name: "Consistency: driver released to pool", Run: checkReleased},

		driverCase("Concurrency: competing accepts", func(ctx context.Context, r *Runner) Result {
			return r.competingAccepts(ctx)
		}),

		driverCase("Perf: location update throughput", func(ctx context.Context, r *Runner) Result {
			return r.perfLoad(ctx, driverPath+"/location", r.cfg.DriverToken, pickup)
		}),
		riderCase("Perf: quote throughput", func(ctx context.Context, r *Runner) Result {
			return r.perfLoad(ctx, "/api/quotes", r.cfg.RiderToken, rideBody)
		}),
	}
}

func riderCase(name string, run func(context.Context, *Runner) Result) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		if r.cfg.RiderToken == "" {
			return Result{Status: statusSkip, Note: "rider-token not set"}
		}
		return run(ctx, r)
	}}
}

// driverCase needs both tokens: driver steps run against a ride the rider created.
func driverCase(name string, run func(context.Context, *Runner) Result) TestCase {
	return TestCase{Name: name, Run: func(ctx context.Context, r *Runner) Result {
		if r.cfg.DriverToken == "" || r.cfg.DriverID == "" || r.cfg.RiderToken == "" {
			return Result{Status: statusSkip, Note: "driver-token, driver-id and rider-token required"}
		}
		return run(ctx, r)
	}}
}

func pingDB(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func pingRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusFail, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func applyMigration(ctx context.Context, r *Runner) Result {
	if !r.cfg.ApplyMigration {
		return Result{Status: statusSkip, Note: "apply-migration=false"}
	}
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	sql, err := os.ReadFile(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range splitSQL(string(sql)) {
		if _, err := r.db.Exec(ctx, s); err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
	}
	return Result{Status: statusPass}
}

func tablesExist(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusFail, Note: "db not configured"}
	}
	tables, err := extractTables(r.cfg.MigrationPath)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, t := range tables {
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			t,
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + t}
		}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
}

// checkEvents expects one ride_events row per transition of the trip ride,
// including the initial none -> pending row.
func checkEvents(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.rideID == "" {
		return Result{Status: statusSkip, Note: "needs db and a completed trip"}
	}
	var status string
	var version, events int
	err := r.db.QueryRow(ctx, `
		SELECT r.status, r.status_version, (SELECT count(*) FROM ride_events e WHERE e.ride_id = r.id)
		FROM rides r WHERE r.id = $1`, r.rideID).Scan(&status, &version, &events)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	note := fmt.Sprintf("status=%s version=%d events=%d", status, version, events)
	if status != "completed" || events != version+1 {
		return Result{Status: statusFail, Note: note}
	}
	return Result{Status: statusPass, Note: note}
}

func checkReleased(ctx context.Context, r *Runner) Result {
	if r.redis == nil || r.cfg.DriverID == "" || r.rideID == "" {
		return Result{Status: statusSkip, Note: "needs redis and a completed trip"}
	}
	err := r.redis.ZScore(ctx, "drivers:available", r.cfg.DriverID).Err()
	if err == redis.Nil {
		return Result{Status: statusFail, Note: "driver missing from available set"}
	}
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func (r *Runner) createRide(ctx context.Context) (string, Result) {
	status, body, latency, err := r.call(ctx, http.MethodPost, "/api/rides", r.cfg.RiderToken, rideBody)
	if err != nil {
		return "", Result{Status: statusFail, Note: err.Error()}
	}
	id, _ := body["ride_id"].(string)
	if status != http.StatusCreated || id == "" {
		return "", Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	}
	return id, Result{Status: statusPass, Latency: latency, Note: "ride=" + id}
}

// acceptOffer retries until the dispatcher has offered the ride to the bench driver.
func (r *Runner) acceptOffer(ctx context.Context, rideID string) Result {
	if rideID == "" {
		return Result{Status: statusFail, Note: "no ride"}
	}
	path := fmt.Sprintf("/api/drivers/%s/rides/%s/respond", r.cfg.DriverID, rideID)
	start := time.Now()
	deadline := start.Add(offerWait)
	last := 0
	for time.Now().Before(deadline) {
		status, _, _, err := r.call(ctx, http.MethodPost, path, r.cfg.DriverToken, map[string]string{"decision": "accept"})
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if status == http.StatusOK {
			return Result{Status: statusPass, Latency: time.Since(start)}
		}
		last = status
		select {
		case <-ctx.Done():
			return Result{Status: statusFail, Note: ctx.Err().Error()}
		case <-time.After(250 * time.Millisecond):
		}
	}
	return Result{Status: statusFail, Note: fmt.Sprintf("no offer within %s, last status=%d", offerWait, last)}
}

// competingAccepts fires concurrent accepts for one ride; at most one may win.
func (r *Runner) competingAccepts(ctx context.Context) Result {
	id, res := r.createRide(ctx)
	if res.Status != statusPass {
		return res
	}
	// Cancelling afterwards releases the bench driver.
	defer func() {
		_, _, _, _ = r.call(ctx, http.MethodPost, "/api/rides/"+id+"/cancel", r.cfg.RiderToken, nil)
	}()

	path := fmt.Sprintf("/api/drivers/%s/rides/%s/respond", r.cfg.DriverID, id)
	deadline := time.Now().Add(offerWait)
	var wins int64
	for time.Now().Before(deadline) && atomic.LoadInt64(&wins) == 0 {
		var wg sync.WaitGroup
		for i := 0; i < r.cfg.Concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				status, _, _, err := r.call(ctx, http.MethodPost, path, r.cfg.DriverToken, map[string]string{"decision": "accept"})
				if err == nil && status == http.StatusOK {
					atomic.AddInt64(&wins, 1)
				}
			}()
		}
		wg.Wait()
	}
	switch n := atomic.LoadInt64(&wins); {
	case n == 1:
		return Result{Status: statusPass, Note: "success=1"}
	case n == 0:
		return Result{Status: statusFail, Note: "no offer reached the driver"}
	default:
		return Result{Status: statusFail, Note: fmt.Sprintf("success=%d", n)}
	}
}

func (r *Runner) perfLoad(ctx context.Context, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, _, err := r.call(ctx, http.MethodPost, path, token, payload)
				if err != nil || status >= 500 {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				atomic.AddInt64(&count, 1)
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	status, _, latency, err := r.call(ctx, method, path, token, body)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	res := Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
	if status != want {
		res.Status = statusFail
		res.Note = fmt.Sprintf("status=%d want=%d", status, want)
	}
	return res
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, map[string]any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, latency, nil
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
