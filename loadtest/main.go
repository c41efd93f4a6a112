package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"carpool-relay/internal/client"
	"carpool-relay/internal/logging"
	"carpool-relay/internal/relay"
)

var (
	baseURL   = flag.String("api", "http://localhost:3001", "relay HTTP base URL")
	wsURL     = flag.String("ws", "ws://localhost:3001/ws", "relay websocket endpoint")
	pairCount = flag.Int("pairs", 250, "number of driver/passenger pairs") // ⚠️ Start small; every pair holds two sockets.
	msgCount  = flag.Int("messages", 20, "messages per user")
)

var (
	sent     atomic.Int64
	received atomic.Int64
	accepted atomic.Int64
)

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairCount*2, *msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// Pairs: the driver of ride lt_N accepts the passenger, then both chat.
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d received=%d accepted=%d",
		time.Since(start).Round(time.Millisecond), sent.Load(), received.Load(), accepted.Load())
}

func runPair(pairID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rideID := fmt.Sprintf("lt_%d", pairID)
	driverID := fmt.Sprintf("u_%d_driver", pairID)
	passengerID := fmt.Sprintf("u_%d_passenger", pairID)

	if err := putRide(ctx, rideID, driverID); err != nil {
		log.Printf("❌ Create Ride Failed [%s]: %v", rideID, err)
		return
	}

	driver := newSession()
	passenger := newSession()
	if err := driver.Connect(ctx, driverID); err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", driverID, err)
		return
	}
	defer driver.Disconnect()
	if err := passenger.Connect(ctx, passengerID); err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", passengerID, err)
		return
	}
	defer passenger.Disconnect()

	// 1. Request a seat, driver accepts on sight
	decided := make(chan relay.RequestStatus, 1)
	driver.OnRideRequest(func(req relay.RideRequest) {
		driver.Accept(req.ID)
	})
	passenger.OnRideRequestResponse(func(resp relay.RideRequestResponse) {
		select {
		case decided <- resp.Status:
		default:
		}
	})
	if err := passenger.RequestJoin(rideID, passengerID, "", "load test"); err != nil {
		log.Printf("❌ Request Fail [%s]: %v", passengerID, err)
		return
	}
	select {
	case status := <-decided:
		if status == relay.StatusAccepted {
			accepted.Add(1)
		}
	case <-ctx.Done():
		log.Printf("❌ No decision for [%s]", passengerID)
		return
	}

	// 2. Chat spam (both sides)
	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, driver, rideID, driverID)
	go spamChat(&wsWg, passenger, rideID, passengerID)
	wsWg.Wait()
}

func newSession() *client.Session {
	s := client.New(client.Options{URL: *wsURL, Logger: logging.New(logging.LevelWarn)})
	s.OnNewMessage(func(relay.ChatMessage) { received.Add(1) })
	return s
}

func spamChat(wg *sync.WaitGroup, s *client.Session, rideID, user string) {
	defer wg.Done()

	if err := s.JoinRoom(rideID); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", user, err)
		return
	}
	for i := 0; i < *msgCount; i++ {
		if err := s.SendMessage(rideID, user, fmt.Sprintf("LoadTest Msg %d from %s", i, user), ""); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	// Let the tail of the room's echoes arrive before disconnecting.
	time.Sleep(500 * time.Millisecond)
	log.Printf("✅ %s finished sending %d msgs", user, *msgCount)
}

func putRide(ctx context.Context, rideID, ownerID string) error {
	body, _ := json.Marshal(map[string]any{"ownerId": ownerID, "availableSeats": 3})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, *baseURL+"/api/rides/"+rideID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}
