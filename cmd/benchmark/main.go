// Load generator for the fraud triage engine.
//
// Usage:
//
//	go run cmd/benchmark/main.go -redis localhost:6379 -url http://localhost:8080 -count 5000
//
// This tool pushes synthetic transaction events directly onto the
// inbound Redis stream the Event Source Adapter consumes, waits a fixed
// settle period, reads the dashboard stats once more, and reports
// throughput and the decision breakdown accumulated over the run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fraudtriage/engine/internal/domain"
)

var countries = []string{"US", "GB", "DE", "FR", "NG", "BR", "IN", "KP", "IR"}
var sanctioned = map[string]bool{"KP": true, "IR": true}
var highRisk = map[string]bool{"NG": true, "BR": true}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	streamName := flag.String("stream", "deriv:transactions", "Inbound stream name")
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	count := flag.Int("count", 5000, "Number of synthetic transactions to send")
	workers := flag.Int("workers", 10, "Number of concurrent senders")
	userPool := flag.Int("users", 500, "Distinct synthetic user IDs to draw from")
	waitSettle := flag.Duration("settle", 10*time.Second, "How long to wait for the pipeline to drain before reporting")
	flag.Parse()

	fmt.Println("fraud-triage-engine load generator")
	fmt.Printf("Redis:    %s (stream %s)\n", *redisAddr, *streamName)
	fmt.Printf("API:      %s\n", *baseURL)
	fmt.Printf("Count:    %d\n", *count)
	fmt.Printf("Workers:  %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: engine not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure it is running:")
		fmt.Println("  go run cmd/osprey/main.go")
		os.Exit(1)
	}
	fmt.Println("engine is healthy")

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Printf("ERROR: redis not reachable at %s: %v\n", *redisAddr, err)
		os.Exit(1)
	}

	before, err := fetchStats(*baseURL)
	if err != nil {
		fmt.Printf("ERROR: failed to read baseline stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nSending %d synthetic transactions...\n", *count)
	start := time.Now()
	var sent int64
	sendLoad(ctx, client, *streamName, *count, *workers, *userPool, &sent)
	sendDuration := time.Since(start)

	fmt.Printf("sent %d events in %v (%.1f events/sec)\n", sent, sendDuration.Round(time.Millisecond), float64(sent)/sendDuration.Seconds())
	fmt.Printf("\nwaiting %v for the pipeline to drain...\n", *waitSettle)
	time.Sleep(*waitSettle)

	after, err := fetchStats(*baseURL)
	if err != nil {
		fmt.Printf("ERROR: failed to read final stats: %v\n", err)
		os.Exit(1)
	}

	printDelta(before, after)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/api/v1/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

type statsResponse struct {
	Status map[domain.CaseStatus]int64 `json:"status"`
	TPS    int64                       `json:"tps"`
}

func fetchStats(baseURL string) (statsResponse, error) {
	var out statsResponse
	resp, err := http.Get(baseURL + "/api/v1/dashboard/stats")
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func printDelta(before, after statsResponse) {
	fmt.Println("\ndecision breakdown (delta over the run)")
	for _, status := range []domain.CaseStatus{
		domain.StatusAutoApproved, domain.StatusAutoBlocked,
		domain.StatusUnderInvestigation, domain.StatusEscalated, domain.StatusResolved,
	} {
		delta := after.Status[status] - before.Status[status]
		fmt.Printf("  %-22s %6d\n", status, delta)
	}
	fmt.Printf("\n  reported TPS at finish: %d\n", after.TPS)
}

func sendLoad(ctx context.Context, client *redis.Client, streamName string, count, numWorkers, userPool int, sent *int64) {
	work := make(chan int, count)
	for i := 0; i < count; i++ {
		work <- i
	}
	close(work)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				event := syntheticEvent(i, userPool)
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				err = client.XAdd(ctx, &redis.XAddArgs{
					Stream: streamName,
					Values: map[string]any{"event_data": string(payload)},
				}).Err()
				if err == nil {
					atomic.AddInt64(sent, 1)
				}
			}
		}()
	}
	wg.Wait()
}

// syntheticEvent builds a plausible TransactionEvent, occasionally
// drawing from the sanctioned/high-risk country pools so a load run
// produces a realistic mix of auto-approved, auto-blocked and
// escalated cases rather than an all-clean stream.
func syntheticEvent(i, userPool int) domain.TransactionEvent {
	userID := "user-" + strconv.Itoa(rand.Intn(userPool))
	country := countries[rand.Intn(len(countries))]
	txType := []domain.TransactionType{domain.TxDeposit, domain.TxWithdrawal, domain.TxTrade}[rand.Intn(3)]

	return domain.TransactionEvent{
		TransactionID: fmt.Sprintf("tx-%d-%d", time.Now().UnixNano(), i),
		UserID:        userID,
		Timestamp:     time.Now().UTC(),
		Amount:        float64(rand.Intn(500000)) / 100,
		Currency:      "USD",
		Type:          txType,
		CountryCode:   country,
		IPAddress:     fmt.Sprintf("10.0.%d.%d", rand.Intn(255), rand.Intn(255)),
		DeviceID:      fmt.Sprintf("device-%d", rand.Intn(userPool/2+1)),
		UserProfile: &domain.UserProfile{
			UserID:                userID,
			DeclaredMonthlyIncome: float64(1000 + rand.Intn(9000)),
			AccountAgeDays:        rand.Intn(1000),
			Country:               country,
		},
		DeviceProfile: &domain.DeviceProfile{
			TotalUsersCount: rand.Intn(8),
			IsVPN:           rand.Intn(10) == 0,
		},
		IPProfile: &domain.IPProfile{
			CountryCode:       country,
			SanctionedCountry: sanctioned[country],
			HighRiskCountry:   highRisk[country],
			VPN:               rand.Intn(10) == 0,
		},
		DocumentProfile: &domain.DocumentProfile{
			ConfidenceScore: 0.5 + rand.Float64()*0.5,
		},
	}
}
