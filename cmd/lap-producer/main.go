package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/acc-tracker/internal/catalog"
	"github.com/acc-tracker/internal/kafka"
	"github.com/samber/lo"
)

// Rough dry GT3 reference laps; other tracks fall back to the default
var referenceLaps = map[string]int64{
	"monza":        106000,
	"spa":          137500,
	"nurburgring":  113500,
	"silverstone":  117500,
	"brands_hatch": 83000,
	"zandvoort":    94500,
	"suzuka":       119000,
}

const defaultReference int64 = 110000

// classOffset slows the reference down for slower classes
var classOffset = map[catalog.CarClass]int64{
	catalog.ClassGT3: 0,
	catalog.ClassCUP: 4000,
	catalog.ClassGT4: 9000,
	catalog.ClassTCX: 12000,
}

func randomLap(driver string, rng *rand.Rand) kafka.LapMessage {
	track := lo.Sample(catalog.TrackIDs())
	car := lo.Sample(catalog.Cars())

	reference, ok := referenceLaps[track]
	if !ok {
		reference = defaultReference
	}
	total := reference + classOffset[car.Class] + rng.Int63n(6000) - 1000

	conditions := "Dry"
	if rng.Intn(10) == 0 {
		conditions = "Wet"
		total += 8000
	}

	temp := float64(18 + rng.Intn(25))
	return kafka.LapMessage{
		Username:          driver,
		TrackID:           track,
		CarID:             car.ID,
		TotalMilliseconds: total,
		Conditions:        conditions,
		TrackTemp:         &temp,
	}
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "acc-lap-times", "Kafka topic")
	drivers := flag.String("drivers", "Admin,J.Baldwin", "Registered usernames to record laps for (comma-separated)")
	lapsPerSecond := flag.Int("rate", 5, "Laps per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	count := flag.Int("count", 0, "Stop after this many laps (0 = unlimited)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")
	driverList := lo.Compact(lo.Map(strings.Split(*drivers, ","), func(d string, _ int) string {
		return strings.TrimSpace(d)
	}))
	if len(driverList) == 0 {
		log.Fatal("at least one driver is required")
	}
	if *lapsPerSecond <= 0 {
		log.Fatal("rate must be positive")
	}

	fmt.Println("ACC lap producer")
	fmt.Printf("  Brokers:   %s\n", *brokers)
	fmt.Printf("  Topic:     %s\n", *topic)
	fmt.Printf("  Drivers:   %s\n", strings.Join(driverList, ", "))
	fmt.Printf("  Laps/sec:  %d\n", *lapsPerSecond)
	fmt.Println()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount, sentCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	finish := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	ticker := time.NewTicker(time.Second / time.Duration(*lapsPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	for {
		select {
		case <-sigChan:
			finish("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				finish("Duration reached")
				return
			}
			if *count > 0 && atomic.LoadInt64(&sentCount) >= int64(*count) {
				finish("Lap count reached")
				return
			}

			lap := randomLap(lo.Sample(driverList), rng)
			data, err := lap.Encode()
			if err != nil {
				log.Printf("Failed to encode lap: %v", err)
				continue
			}
			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(lap.Username),
				Value: sarama.ByteEncoder(data),
			}
			atomic.AddInt64(&sentCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Queued: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&sentCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
