package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/supply-api/internal/auth"
	"github.com/ksred/supply-api/internal/money"
	"github.com/ksred/supply-api/internal/ordering"
	"github.com/ksred/supply-api/internal/payment"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var products = []ordering.ItemRequest{
	{ProductID: "SKU-RICE-25", ProductName: "Rice 25kg", CategoryID: "grain"},
	{ProductID: "SKU-OIL-5", ProductName: "Peanut oil 5L", CategoryID: "oil"},
	{ProductID: "SKU-SALT-1", ProductName: "Sea salt 1kg", CategoryID: "seasoning"},
	{ProductID: "SKU-FLOUR-10", ProductName: "Flour 10kg", CategoryID: "grain"},
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// calculate computes min, max, mean, median, 95th and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.95))-1]
	p99 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.99))-1]
	return
}

// simulationClient drives the ordering API on behalf of one role
type simulationClient struct {
	baseURL string
	client  *http.Client
	tokens  map[string]string
	mu      sync.Mutex
	stats   map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		tokens:  make(map[string]string),
		stats:   make(map[string]*routeStats),
	}
}

func (sc *simulationClient) record(route string, d time.Duration, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs, ok := sc.stats[route]
	if !ok {
		rs = &routeStats{name: route}
		sc.stats[route] = rs
	}
	rs.totalCalls++
	if err != nil {
		rs.failures++
		return
	}
	rs.durations = append(rs.durations, d)
}

// authenticate exchanges demo credentials for a token per role
func (sc *simulationClient) authenticate(ctx context.Context, role, key, secret string) error {
	var tok auth.TokenResponse
	if err := sc.call(ctx, "auth", "", http.MethodPost, "/api/v1/auth/token", auth.Credentials{APIKey: key, APISecret: secret}, &tok); err != nil {
		return fmt.Errorf("authenticate %s: %w", role, err)
	}
	sc.tokens[role] = tok.Token
	return nil
}

// call performs one request and decodes the envelope's data into out
func (sc *simulationClient) call(ctx context.Context, route, role, method, path string, in, out interface{}) error {
	start := time.Now()
	err := sc.do(ctx, role, method, path, in, out)
	sc.record(route, time.Since(start), err)
	return err
}

func (sc *simulationClient) do(ctx context.Context, role, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+sc.tokens[role])
	}
	if method == http.MethodPost && path == "/api/v1/orders" {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

// runOrder walks one order from creation to completion
func (sc *simulationClient) runOrder(ctx context.Context, sellerID string) error {
	req := ordering.CreateOrderRequest{
		SellerID:        sellerID,
		ContactName:     "Simulation Buyer",
		ContactPhone:    "13800000000",
		DeliveryAddress: "1 Warehouse Road, Dock 4",
	}
	lines := 1 + rand.Intn(3)
	for i := 0; i < lines; i++ {
		item := products[rand.Intn(len(products))]
		item.BasePrice = randomPrice()
		item.Quantity = int64(1 + rand.Intn(20))
		req.Items = append(req.Items, item)
	}

	var order ordering.Order
	if err := sc.call(ctx, "create", "buyer", http.MethodPost, "/api/v1/orders", req, &order); err != nil {
		return err
	}
	base := "/api/v1/orders/" + order.OrderNumber

	if order.Status == ordering.StatusPendingPayment {
		var p payment.Payment
		if err := sc.call(ctx, "initiate_payment", "buyer", http.MethodPost, base+"/payment", nil, &p); err != nil {
			return err
		}
		if err := sc.call(ctx, "simulate_payment", "buyer", http.MethodPost, "/api/v1/payments/"+p.PaymentID+"/simulate", nil, &p); err != nil {
			return err
		}
		if p.Status != payment.StatusSucceeded {
			log.Info().Str("order_number", order.OrderNumber).Str("payment_status", string(p.Status)).Msg("payment declined, cancelling")
			return sc.call(ctx, "cancel", "buyer", http.MethodPost, base+"/cancel", map[string]string{"reason": "payment declined"}, nil)
		}
	}

	steps := []struct{ route, role, path string }{
		{"confirm", "seller", base + "/confirm"},
		{"deliver", "seller", base + "/deliver"},
		{"complete", "buyer", base + "/complete"},
	}
	for _, step := range steps {
		if err := sc.call(ctx, step.route, step.role, http.MethodPost, step.path, nil, &order); err != nil {
			return err
		}
	}
	return sc.call(ctx, "get", "buyer", http.MethodGet, base, nil, &order)
}

func randomPrice() money.Amount {
	return money.New(int64(500+rand.Intn(20000)), -2)
}

func (sc *simulationClient) printStats() {
	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	fmt.Printf("\n%-18s %6s %6s %10s %10s %10s %10s %10s\n", "route", "calls", "fails", "min", "mean", "median", "p95", "p99")
	for _, route := range routes {
		rs := sc.stats[route]
		min, _, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-18s %6d %6d %10s %10s %10s %10s %10s\n", rs.name, rs.totalCalls, rs.failures,
			min.Round(time.Microsecond), mean.Round(time.Microsecond), median.Round(time.Microsecond),
			p95.Round(time.Microsecond), p99.Round(time.Microsecond))
	}
}

// main runs concurrent buyers against a running server started with the
// demo credentials
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	orders := flag.Int("orders", 50, "orders to place")
	workers := flag.Int("workers", 5, "concurrent buyers")
	flag.Parse()

	ctx := context.Background()
	sc := newSimulationClient(*baseURL)
	for _, acc := range []struct{ role, key, secret string }{
		{"buyer", "buyer_key", "buyer_secret"},
		{"seller", "seller_key", "seller_secret"},
	} {
		if err := sc.authenticate(ctx, acc.role, acc.key, acc.secret); err != nil {
			log.Fatal().Err(err).Msg("failed to authenticate")
		}
	}

	start := time.Now()
	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < *orders; i++ {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var failed int
	var failedMu sync.Mutex
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			for range jobs {
				if err := sc.runOrder(gctx, "seller-001"); err != nil {
					log.Error().Err(err).Msg("order flow failed")
					failedMu.Lock()
					failed++
					failedMu.Unlock()
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("simulation aborted")
	}

	log.Info().
		Int("orders", *orders).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("simulation finished")
	sc.printStats()
}
