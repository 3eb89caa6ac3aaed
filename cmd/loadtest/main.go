// Команда loadtest нагружает HTTP API сервиса аренды сценариями
// create / create-confirm / create-confirm-cancel и печатает сводку
// по латентности и ошибкам. Отчёт можно сохранить в JSON через -output.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rentmarket/internal/domain"
	httpapi "rentmarket/internal/transport/http"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultQty        = int32(1)
	tokenTTL          = 2 * time.Hour
)

type loadMode string

const (
	modeCreate              loadMode = "create"
	modeCreateConfirm       loadMode = "create-confirm"
	modeCreateConfirmCancel loadMode = "create-confirm-cancel"
)

type config struct {
	baseURL     string
	jwtSecret   string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	itemID      string
	quantity    int
	startDate   time.Time
	customerTag string
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg            config
		modeValue      string
		startDateValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "addr", "http://localhost:8080", "base URL of the rental API")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "shared secret used to sign bearer tokens (fallback: JWT_SECRET)")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios in count mode; with -duration only an upper bound when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-confirm | create-confirm-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for create-confirm mode (0..100)")
	fs.StringVar(&cfg.itemID, "item", "item-camera", "catalog item id to rent")
	fs.IntVar(&cfg.quantity, "quantity", int(defaultQty), "item quantity per order")
	fs.StringVar(&startDateValue, "start-date", "", "base rental start date (YYYY-MM-DD, default: tomorrow)")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "renter id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(cfg.jwtSecret) == "" {
		cfg.jwtSecret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	if strings.TrimSpace(startDateValue) == "" {
		cfg.startDate = time.Now().UTC().AddDate(0, 0, 1).Truncate(24 * time.Hour)
	} else {
		startDate, err := time.Parse(domain.DateLayout, strings.TrimSpace(startDateValue))
		if err != nil {
			return cfg, fmt.Errorf("parse start date: %w", err)
		}
		cfg.startDate = startDate
	}

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch {
	case strings.TrimSpace(c.baseURL) == "":
		return errors.New("addr is required")
	case c.jwtSecret == "":
		return errors.New("jwt secret is required (-jwt-secret or JWT_SECRET)")
	case c.duration < 0:
		return errors.New("duration must be >= 0")
	case c.duration == 0 && c.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case c.duration > 0 && c.totalSet && c.total <= 0:
		return errors.New("total must be > 0 when explicitly set with duration")
	case c.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case c.timeout <= 0:
		return errors.New("timeout must be > 0")
	case c.quantity <= 0:
		return errors.New("quantity must be > 0")
	case c.cancelRate < 0 || c.cancelRate > 100:
		return errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(c.itemID) == "":
		return errors.New("item is required")
	case strings.TrimSpace(c.customerTag) == "":
		return errors.New("customer-tag is required")
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	switch mode {
	case modeCreate, modeCreateConfirm, modeCreateConfirmCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

// scenarioMethod агрегирует латентность самого сценария, а не одного вызова.
const scenarioMethod = "scenario"

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	durations []time.Duration
}

func (s *methodStats) observe(latency time.Duration, status int) {
	s.calls++
	if status >= 200 && status < 300 {
		s.success++
	} else {
		s.failed++
	}
	s.codes[strconv.Itoa(status)]++
	s.durations = append(s.durations, latency)
}

func (s *methodStats) toReport() methodReport {
	codes := make(map[string]int64, len(s.codes))
	for code, count := range s.codes {
		codes[code] = count
	}
	return methodReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: failureRate(s.failed, s.calls),
		Codes:     codes,
		LatencyMs: summarize(s.durations),
	}
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*methodStats)}
}

func (c *collector) record(method string, latency time.Duration, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}
	stats.observe(latency, status)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}
	for name, stats := range c.methods {
		result.Methods[name] = stats.toReport()
	}

	if scenario, ok := result.Methods[scenarioMethod]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result
}

// summarize переводит длительности в миллисекунды и считает перцентили
// по методу nearest-rank.
func summarize(durations []time.Duration) latencySummary {
	if len(durations) == 0 {
		return latencySummary{}
	}

	values := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		values[i] = float64(d.Microseconds()) / 1000.0
		sum += values[i]
	}
	sort.Float64s(values)

	return latencySummary{
		Min: values[0],
		Max: values[len(values)-1],
		Avg: sum / float64(len(values)),
		P50: percentile(values, 50),
		P95: percentile(values, 95),
		P99: percentile(values, 99),
	}
}

// percentile ожидает отсортированный срез; nearest-rank, без интерполяции.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func failureRate(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// apiClient выполняет вызовы HTTP API от имени арендатора и аудитора.
type apiClient struct {
	baseURL      string
	httpClient   *http.Client
	auth         *httpapi.Authenticator
	auditorToken string
}

func newAPIClient(cfg config) (*apiClient, error) {
	auth := httpapi.NewAuthenticator(cfg.jwtSecret)
	auditorToken, err := auth.IssueToken("load-auditor", []domain.Role{domain.RoleAuditor}, tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue auditor token: %w", err)
	}

	return &apiClient{
		baseURL: strings.TrimRight(cfg.baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: cfg.concurrency,
			},
		},
		auth:         auth,
		auditorToken: auditorToken,
	}, nil
}

func (c *apiClient) renterToken(userID string) (string, error) {
	return c.auth.IssueToken(userID, []domain.Role{domain.RoleRenter}, tokenTTL)
}

// call выполняет запрос и возвращает статус и тело ответа.
func (c *apiClient) call(method, path, token, idempotencyKey string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fail("invalid config: %v", err)
	}

	client, err := newAPIClient(cfg)
	if err != nil {
		fail("failed to create api client: %v", err)
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(client, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	duration := time.Since(startedAt)
	result := col.buildReport(startedAt, duration)
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = failureRate(result.FailedScenarios, result.TotalScenarios)
	}

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			fail("failed to write report: %v", err)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// dispatchJobs закрывает канал по достижении total либо по истечении duration.
func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

// scenarioDates возвращает непересекающийся диапазон дат для сценария.
// Шаг в два дня исключает конфликты доступности между заказами на одну позицию.
func scenarioDates(base time.Time, index int) (string, string) {
	start := base.AddDate(0, 0, index*2)
	end := start.AddDate(0, 0, 1)
	return start.Format(domain.DateLayout), end.Format(domain.DateLayout)
}

func runScenario(client *apiClient, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioStatus := http.StatusOK
	defer func() {
		col.record(scenarioMethod, time.Since(scenarioStart), scenarioStatus)
	}()

	userID := fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index)
	renterToken, err := client.renterToken(userID)
	if err != nil {
		scenarioStatus = http.StatusInternalServerError
		return err
	}

	startDate, endDate := scenarioDates(cfg.startDate, index)
	createBody := map[string]any{
		"items": []map[string]any{
			{"itemId": cfg.itemID, "quantity": cfg.quantity},
		},
		"startDate": startDate,
		"endDate":   endDate,
		"remark":    "load test",
	}

	createKey := fmt.Sprintf("lt-create-%s-%d", runID, index)
	start := time.Now()
	status, respBody, err := client.call(http.MethodPost, "/api/orders", renterToken, createKey, createBody)
	col.record("CreateOrder", time.Since(start), statusOrError(status, err))
	if err != nil {
		scenarioStatus = http.StatusServiceUnavailable
		return err
	}
	if status < 200 || status >= 300 {
		scenarioStatus = status
		return fmt.Errorf("create order returned status %d", status)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil || created.ID == "" {
		scenarioStatus = http.StatusInternalServerError
		return errors.New("create response returned empty order id")
	}

	if cfg.mode == modeCreate {
		return nil
	}

	auditBody := map[string]any{"approved": true, "comment": "load audit"}
	start = time.Now()
	status, _, err = client.call(http.MethodPost, "/api/orders/"+created.ID+"/audit", client.auditorToken, "", auditBody)
	col.record("AuditOrder", time.Since(start), statusOrError(status, err))
	if err != nil {
		scenarioStatus = http.StatusServiceUnavailable
		return err
	}
	if status < 200 || status >= 300 {
		scenarioStatus = status
		return fmt.Errorf("audit order returned status %d", status)
	}

	if cfg.mode == modeCreateConfirmCancel || (cfg.mode == modeCreateConfirm && shouldCancelScenario(index, cfg.cancelRate)) {
		cancelBody := map[string]any{"reason": "load-cancel"}
		start = time.Now()
		status, _, err = client.call(http.MethodPost, "/api/orders/"+created.ID+"/cancel", renterToken, "", cancelBody)
		col.record("CancelOrder", time.Since(start), statusOrError(status, err))
		if err != nil {
			scenarioStatus = http.StatusServiceUnavailable
			return err
		}
		if status < 200 || status >= 300 {
			scenarioStatus = status
			return fmt.Errorf("cancel order returned status %d", status)
		}
	}

	return nil
}

func statusOrError(status int, err error) int {
	if err != nil {
		return http.StatusServiceUnavailable
	}
	return status
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Load test summary")
	fmt.Printf("mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == scenarioMethod {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		fmt.Printf(
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}
