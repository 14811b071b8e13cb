package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// PerfResult gathers aggregated metrics for the test run.
// Atomic counters are used to avoid lock-contention on hot paths.
// LatencySum & P95Latency are in nanoseconds.
//
// P95Latency is maintained via a lightweight reservoir sampler.
type PerfResult struct {
	TotalRequests int64
	SuccessCount  int64
	ConflictCount int64
	ErrorCount    int64
	LatencySum    int64
	P95Latency    int64
}

const (
	baseURL        = "http://localhost:8080"
	fixedWorkers   = 50
	fixedRPSTarget = 700
	fixedDuration  = 30 * time.Second
	defaultTimeout = 30 * time.Second

	// Campaign shape: a huge ceiling so the run measures join
	// throughput, with a target high enough not to complete mid-test.
	fixedActivityID  = 1
	fixedTargetCount = 40000
	fixedMaxCount    = 50000
)

func main() {
	rps := fixedRPSTarget
	duration := fixedDuration
	workers := fixedWorkers

	transport := &http.Transport{
		MaxIdleConns:        workers * 4,
		MaxIdleConnsPerHost: workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}

	joinCode, campaignID, err := createTestCampaign(httpClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create campaign: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("created campaign %d with join code %s\n", campaignID, joinCode)

	fmt.Println("==========================================")
	fmt.Println("promo engine join load test")
	fmt.Println("==========================================")
	fmt.Printf("campaign   : %d\n", campaignID)
	fmt.Printf("target RPS : %d\n", rps)
	fmt.Printf("duration   : %v\n", duration)
	fmt.Println("==========================================")

	burst := rps / workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var result PerfResult
	var wg sync.WaitGroup

	// participantSeq hands every request a distinct participant, so
	// duplicate-join conflicts only appear if the server misbehaves.
	var participantSeq int64 = 1000000

	latencyChan := make(chan time.Duration, 4096)
	go trackP95(latencyChan, &result)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil { // context cancelled → exit
					return
				}
				participant := atomic.AddInt64(&participantSeq, 1)
				doJoin(httpClient, joinCode, participant, &result, latencyChan)
			}
		}()
	}

	start := time.Now()
	<-ctx.Done()

	wg.Wait()
	close(latencyChan)

	totalDur := time.Since(start)

	fmt.Println("==========================================")
	fmt.Println("results")
	fmt.Println("==========================================")
	fmt.Printf("elapsed          : %.2fs\n", totalDur.Seconds())
	fmt.Printf("total requests   : %d\n", result.TotalRequests)
	fmt.Printf("successful joins : %d\n", result.SuccessCount)
	fmt.Printf("conflicts        : %d\n", result.ConflictCount)
	fmt.Printf("errors           : %d\n", result.ErrorCount)

	actualRPS := float64(result.SuccessCount) / totalDur.Seconds()
	var avgLatency time.Duration
	if result.SuccessCount > 0 {
		avgLatency = time.Duration(result.LatencySum / result.SuccessCount)
	}
	fmt.Printf("actual RPS       : %.2f\n", actualRPS)
	fmt.Printf("avg latency      : %v\n", avgLatency)
	fmt.Printf("p95 latency      : %v\n", time.Duration(result.P95Latency))
	fmt.Println("==========================================")

	if err := verifyCounterConsistency(httpClient, campaignID, result.SuccessCount); err != nil {
		fmt.Printf("consistency check FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("consistency check passed")
}

// createTestCampaign provisions the campaign the run will hammer.
func createTestCampaign(httpClient *http.Client) (string, int64, error) {
	body, _ := json.Marshal(map[string]any{
		"activity_id":  fixedActivityID,
		"initiator_id": time.Now().UnixNano(), // fresh initiator every run
		"mechanism":    "group_purchase",
		"target_count": fixedTargetCount,
		"max_count":    fixedMaxCount,
		"deadline":     time.Now().Add(24 * time.Hour),
		"reward_kind":  "voucher",
		"reward_value": "1000",
	})
	resp, err := httpClient.Post(baseURL+"/v1/campaigns", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", 0, fmt.Errorf("create returned %d", resp.StatusCode)
	}
	var campaign struct {
		ID       int64  `json:"id"`
		JoinCode string `json:"join_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&campaign); err != nil {
		return "", 0, err
	}
	return campaign.JoinCode, campaign.ID, nil
}

// doJoin performs a single join request and collects metrics.
func doJoin(client *http.Client, joinCode string, participant int64, result *PerfResult, latencyChan chan<- time.Duration) {
	body, _ := json.Marshal(map[string]any{"participant_id": participant})
	url := fmt.Sprintf("%s/v1/campaigns/%s/join", baseURL, joinCode)

	start := time.Now()
	atomic.AddInt64(&result.TotalRequests, 1)

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	latency := time.Since(start)

	if err != nil {
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddInt64(&result.SuccessCount, 1)
		atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
		select {
		case latencyChan <- latency:
		default:
		}
	case http.StatusConflict:
		atomic.AddInt64(&result.ConflictCount, 1)
	default:
		atomic.AddInt64(&result.ErrorCount, 1)
	}
}

// trackP95 maintains a best-effort rolling P95 latency estimation.
func trackP95(latencies <-chan time.Duration, result *PerfResult) {
	const size = 1000
	buf := make([]int64, 0, size)

	for lat := range latencies {
		if len(buf) < size {
			buf = append(buf, lat.Nanoseconds())
		} else {
			// Replace random element (simple reservoir sampling)
			if idx := time.Now().UnixNano() % int64(size); idx < int64(size/10) {
				buf[idx] = lat.Nanoseconds()
			}
		}

		// Update P95 periodically
		if len(buf) >= 100 && len(buf)%100 == 0 {
			copyBuf := make([]int64, len(buf))
			copy(copyBuf, buf)
			quickSort(copyBuf)
			p95Index := int(float64(len(copyBuf)) * 0.95)
			if p95Index >= len(copyBuf) {
				p95Index = len(copyBuf) - 1
			}
			atomic.StoreInt64(&result.P95Latency, copyBuf[p95Index])
		}
	}
}

// quickSort sorts the array in ascending order
func quickSort(arr []int64) {
	if len(arr) < 2 {
		return
	}

	left, right := 0, len(arr)-1
	pivot := len(arr) / 2

	arr[pivot], arr[right] = arr[right], arr[pivot]

	for i := range arr {
		if arr[i] < arr[right] {
			arr[left], arr[i] = arr[i], arr[left]
			left++
		}
	}

	arr[left], arr[right] = arr[right], arr[left]

	quickSort(arr[:left])
	quickSort(arr[left+1:])
}

// verifyCounterConsistency compares the campaign counter against the
// number of joins the test believes succeeded. The initiator's
// self-join accounts for the +1.
func verifyCounterConsistency(httpClient *http.Client, campaignID, successCount int64) error {
	resp, err := httpClient.Get(fmt.Sprintf("%s/v1/campaigns/%d", baseURL, campaignID))
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get campaign returned %d", resp.StatusCode)
	}

	var detail struct {
		Campaign struct {
			CurrentCount int64 `json:"current_count"`
			MaxCount     int64 `json:"max_count"`
		} `json:"campaign"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return fmt.Errorf("failed to decode campaign: %w", err)
	}

	expected := successCount + 1
	fmt.Printf("campaign counter : %d\n", detail.Campaign.CurrentCount)
	fmt.Printf("expected counter : %d\n", expected)

	if detail.Campaign.CurrentCount != expected {
		return fmt.Errorf("lost or phantom increments: counter=%d, expected=%d",
			detail.Campaign.CurrentCount, expected)
	}
	if detail.Campaign.CurrentCount > detail.Campaign.MaxCount {
		return fmt.Errorf("overshoot: counter=%d > max=%d",
			detail.Campaign.CurrentCount, detail.Campaign.MaxCount)
	}
	return nil
}
