package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/trackside/internal/domain"
)

// connectEvent mirrors the payload the dedicated-server bridge publishes
// on the connect topic.
type connectEvent struct {
	Login    string `json:"login"`
	Nickname string `json:"nickname,omitempty"`
}

type disconnectEvent struct {
	Login string `json:"login"`
}

type chatEvent struct {
	Login     string `json:"login"`
	PlayerUID string `json:"player_uid"`
	Text      string `json:"text"`
}

var loginPrefixes = []string{
	"phoenix", "shadow", "thunder", "storm", "blaze", "ninja", "dragon", "wolf", "hawk", "viper",
	"ghost", "titan", "frost", "cyber", "nova", "raven", "omega", "alpha", "delta", "sigma",
	"ace", "bolt", "crash", "dash", "edge", "flash", "glitch", "haze", "ion", "jade",
}

var chatLines = []string{
	"gg",
	"nice run",
	"so close!",
	"this map is brutal",
	"anyone up for a rematch?",
	"finally beat my time: %s",
	"cut the last corner, saved half a second",
}

func getLogin(idx int) string {
	prefixIdx := idx % len(loginPrefixes)
	suffix := idx/len(loginPrefixes) + 1
	return fmt.Sprintf("%s%d", loginPrefixes[prefixIdx], suffix)
}

func randomChatLine() string {
	line := chatLines[rand.Intn(len(chatLines))]
	if strings.Contains(line, "%s") {
		return fmt.Sprintf(line, domain.FormatScore(30000+rand.Intn(90000)))
	}
	return line
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	connectTopic := flag.String("connect-topic", "server.player-connect", "Connect topic")
	disconnectTopic := flag.String("disconnect-topic", "server.player-disconnect", "Disconnect topic")
	chatTopic := flag.String("chat-topic", "server.player-chat", "Chat topic")
	totalPlayers := flag.Int("players", 50, "Number of simulated players")
	eventsPerSecond := flag.Int("rate", 20, "Events per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("Telemetry producer")
	fmt.Printf("  Brokers:    %s\n", *brokers)
	fmt.Printf("  Topics:     %s, %s, %s\n", *connectTopic, *disconnectTopic, *chatTopic)
	fmt.Printf("  Players:    %d\n", *totalPlayers)
	fmt.Printf("  Events/sec: %d\n", *eventsPerSecond)
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	// Create producer
	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	var sent, failed atomic.Int64

	go func() {
		for range producer.Successes() {
			sent.Add(1)
		}
	}()
	go func() {
		for err := range producer.Errors() {
			failed.Add(1)
			log.Printf("produce error: %v", err)
		}
	}()

	send := func(topic string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("marshal error: %v", err)
			return
		}
		producer.Input() <- &sarama.ProducerMessage{
			Topic: topic,
			Value: sarama.ByteEncoder(data),
		}
	}

	// Track which simulated players are currently "online"
	online := make(map[int]bool)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	ticker := time.NewTicker(time.Second / time.Duration(*eventsPerSecond))
	defer ticker.Stop()

	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	fmt.Println("Producing telemetry... Ctrl+C to stop")

loop:
	for {
		select {
		case <-quit:
			break loop
		case <-deadline:
			break loop
		case <-report.C:
			fmt.Printf("sent=%d failed=%d online=%d\n", sent.Load(), failed.Load(), len(online))
		case <-ticker.C:
			idx := rand.Intn(*totalPlayers)
			login := getLogin(idx)

			switch {
			case !online[idx]:
				online[idx] = true
				send(*connectTopic, connectEvent{Login: login, Nickname: strings.ToUpper(login[:1]) + login[1:]})
			case rand.Intn(10) == 0:
				delete(online, idx)
				send(*disconnectTopic, disconnectEvent{Login: login})
			case rand.Intn(20) == 0:
				// Occasional server-originated line, which the engine must ignore
				send(*chatTopic, chatEvent{PlayerUID: "0", Text: "Welcome to the server!"})
			default:
				send(*chatTopic, chatEvent{Login: login, PlayerUID: fmt.Sprintf("%d", idx+1), Text: randomChatLine()})
			}
		}
	}

	fmt.Printf("\nDone. sent=%d failed=%d\n", sent.Load(), failed.Load())
}
