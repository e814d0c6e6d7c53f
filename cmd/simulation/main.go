package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/market"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minRounds            = 15
	maxRounds            = 150
	numWorkers           = 5
	defaultServerAddress = "http://localhost:8080"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
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

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the platform API. It holds
// tokens for two investors: the seller who lists, and a buyer who fills.
type simulationClient struct {
	baseURL    string
	authToken  string
	buyerToken string
	client     *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

// newSimulationClient creates a client and authenticates both test investors
func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"assets":    {name: "List Assets"},
			"buy":       {name: "Buy Tokens"},
			"sell":      {name: "Sell Tokens"},
			"list":      {name: "Create Listing"},
			"orderbook": {name: "Order Book"},
			"cancel":    {name: "Cancel Listing"},
			"portfolio": {name: "Portfolio"},
			"trade":     {name: "Execute Trade"},
		},
	}

	var err error
	if sc.authToken, err = sc.authenticate(auth.TestAPIKey, auth.TestAPISecret); err != nil {
		return nil, err
	}
	if sc.buyerToken, err = sc.authenticate(auth.TestBuyerAPIKey, auth.TestBuyerAPISecret); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var token auth.TokenResponse
	err := sc.callAs("", "auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}, &token, nil)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate %s: %w", apiKey, err)
	}
	return token.Token, nil
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(d, failed)
}

// call sends a request as the selling investor
func (sc *simulationClient) call(route, method, path string, body, out interface{}, headers map[string]string) error {
	return sc.callAs(sc.authToken, route, method, path, body, out, headers)
}

// callAs sends body as JSON with token and decodes the data field of the
// response envelope into out
func (sc *simulationClient) callAs(token, route, method, path string, body, out interface{}, headers map[string]string) (err error) {
	start := time.Now()
	defer func() {
		sc.record(route, time.Since(start), err != nil)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
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
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("Response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool        `json:"success"`
		Data    interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	routes := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		routes = append(routes, k)
	}
	sort.Strings(routes)

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// tally is the outcome of one worker
type tally struct {
	rounds    int
	bought    float64
	spent     float64
	listed    int
	traded    float64
	cancelled int
	sold      float64
	failures  int
	byAsset   map[string]int
}

// main drives concurrent investor workers against a running server
func main() {
	baseURL := os.Getenv("SERVER_ADDRESS")
	if baseURL == "" {
		baseURL = defaultServerAddress
	}

	simClient, err := newSimulationClient(baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	var assets []types.Asset
	if err := simClient.call("assets", http.MethodGet, "/api/v1/assets", nil, &assets, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to list assets")
	}
	if len(assets) == 0 {
		log.Fatal().Msg("No assets to trade, seed the database first")
	}

	targetRounds := rand.Intn(maxRounds-minRounds) + minRounds
	log.Info().Int("target_rounds", targetRounds).Int("assets", len(assets)).Msg("Starting simulation")

	start := time.Now()
	results := make(chan tally, numWorkers)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			results <- runWorker(workerID, targetRounds/numWorkers, simClient, assets)
		}(i)
	}
	wg.Wait()
	close(results)

	total := tally{byAsset: make(map[string]int)}
	for r := range results {
		total.rounds += r.rounds
		total.bought += r.bought
		total.spent += r.spent
		total.listed += r.listed
		total.traded += r.traded
		total.cancelled += r.cancelled
		total.sold += r.sold
		total.failures += r.failures
		for k, v := range r.byAsset {
			total.byAsset[k] += v
		}
	}

	var overview portfolio.Overview
	if err := simClient.call("portfolio", http.MethodGet, "/api/v1/portfolio", nil, &overview, nil); err != nil {
		log.Error().Err(err).Msg("Failed to fetch portfolio")
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MARKET SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Rounds:            %d
Tokens bought:     %.2f
Amount spent:      $%.2f
Listings created:  %d
Tokens traded:     %.2f
Listings cancelled:%d
Tokens sold:       %.2f
Failures:          %d
Portfolio value:   $%.2f
Duration:          %v

Asset Distribution
------------------
`, total.rounds, total.bought, total.spent, total.listed, total.traded, total.cancelled, total.sold,
		total.failures, overview.TotalValue, duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range total.byAsset {
		if count > maxCount {
			maxCount = count
		}
	}
	for asset, count := range total.byAsset {
		barLength := int(float64(count) / float64(maxCount) * 20)
		fmt.Printf("%-24s: %s (%d)\n", asset, strings.Repeat("#", barLength), count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("rounds", total.rounds).
		Int("failures", total.failures).
		Float64("spent", total.spent).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// runWorker buys tokens, lists part of them, inspects the book, has the
// buyer fill one token of the listing, cancels the rest and sells some of
// what is left
func runWorker(workerID, rounds int, sc *simulationClient, assets []types.Asset) tally {
	logger := log.With().Int("worker_id", workerID).Logger()
	t := tally{byAsset: make(map[string]int)}

	for i := 0; i < rounds; i++ {
		t.rounds++
		asset := assets[rand.Intn(len(assets))]
		key := asset.ItemType + "/" + asset.ItemID
		qty := float64(rand.Intn(10) + 1)

		var purchase portfolio.PurchaseResult
		err := sc.call("buy", http.MethodPost, "/api/v1/portfolio/buy", portfolio.PurchaseRequest{
			ItemType: asset.ItemType, ItemID: asset.ItemID, Quantity: qty,
		}, &purchase, nil)
		if err != nil {
			logger.Error().Err(err).Str("asset", key).Msg("Failed to buy tokens")
			t.failures++
			continue
		}
		t.bought += qty
		t.spent += purchase.TotalAmount
		t.byAsset[key]++

		var listing types.Listing
		err = sc.call("list", http.MethodPost, "/api/v1/market/listings", market.CreateListingRequest{
			ItemType:      asset.ItemType,
			ItemID:        asset.ItemID,
			TokenQuantity: math.Max(1, math.Floor(qty/2)),
			PricePerToken: asset.TokenPrice * (1 + rand.Float64()*0.1),
		}, &listing, nil)
		if err != nil {
			logger.Error().Err(err).Str("asset", key).Msg("Failed to create listing")
			t.failures++
			continue
		}
		t.listed++

		var book market.OrderBook
		if err := sc.call("orderbook", http.MethodGet, "/api/v1/market/orderbook/"+key, nil, &book, nil); err != nil {
			logger.Error().Err(err).Str("asset", key).Msg("Failed to fetch order book")
			t.failures++
		} else if book.BestAsk != nil {
			logger.Debug().Str("asset", key).Float64("best_ask", *book.BestAsk).Int("asks", len(book.Asks)).Msg("Order book")
		}

		var fill market.TradeResult
		err = sc.callAs(sc.buyerToken, "trade", http.MethodPost, "/api/v1/market/trades", market.ExecuteTradeRequest{
			ListingID: listing.ListingID,
			Quantity:  1,
		}, &fill, map[string]string{"Idempotency-Key": uuid.NewString()})
		remaining := listing.TokenQuantity
		if err != nil {
			logger.Error().Err(err).Str("listing_id", listing.ListingID).Msg("Failed to execute trade")
			t.failures++
		} else {
			t.traded++
			remaining--
		}

		if remaining > 0 {
			if err := sc.call("cancel", http.MethodPost, "/api/v1/market/listings/"+listing.ListingID+"/cancel", nil, nil, nil); err != nil {
				logger.Error().Err(err).Str("listing_id", listing.ListingID).Msg("Failed to cancel listing")
				t.failures++
				continue
			}
			t.cancelled++
		}

		sell := math.Floor((qty - listing.TokenQuantity) / 2)
		if sell > 0 {
			if err := sc.call("sell", http.MethodPost, "/api/v1/portfolio/sell", portfolio.PurchaseRequest{
				ItemType: asset.ItemType, ItemID: asset.ItemID, Quantity: sell,
			}, nil, nil); err != nil {
				logger.Error().Err(err).Str("asset", key).Msg("Failed to sell tokens")
				t.failures++
			} else {
				t.sold += sell
			}
		}

		logger.Info().Str("asset", key).Float64("quantity", qty).Str("listing_id", listing.ListingID).Msg("Round complete")
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
	return t
}
