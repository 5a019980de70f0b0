package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/annel0/mmo-client/internal/eventbus"
)

// event-tail подключается к NATS JetStream, куда ядро зеркалирует свои
// события, и печатает их в консоль. Удобен для отладки встраивающего
// хоста: видно соединение, состав, позиции и взаимодействия вживую.
func main() {
	var (
		serverURL = flag.String("server", nats.DefaultURL, "адрес NATS")
		topics    = flag.String("topics", "", "фильтр топиков через запятую (connection,roster,world,chat,interaction,notification)")
		since     = flag.String("since", "", "показывать события за период (например 10m, 1h); пустой — только новые")
		raw       = flag.Bool("raw", false, "печатать события как JSON")
	)
	flag.Parse()

	nc, err := nats.Connect(*serverURL)
	if err != nil {
		log.Fatalf("❌ Не удалось подключиться к NATS: %v", err)
	}
	defer nc.Drain()

	js, err := nc.JetStream()
	if err != nil {
		log.Fatalf("❌ JetStream недоступен: %v", err)
	}

	subOpts := []nats.SubOpt{nats.DeliverNew()}
	if *since != "" {
		d, err := time.ParseDuration(*since)
		if err != nil {
			log.Fatalf("❌ Неверный период -since: %v", err)
		}
		subOpts = []nats.SubOpt{nats.StartTime(time.Now().Add(-d))}
	}

	wanted := parseTopics(*topics)

	sub, err := js.Subscribe("client.events.>", func(msg *nats.Msg) {
		defer msg.Ack()
		printEvent(msg.Data, wanted, *raw)
	}, subOpts...)
	if err != nil {
		log.Fatalf("❌ Подписка не удалась: %v", err)
	}
	defer sub.Unsubscribe()

	fmt.Printf("📡 Слушаем client.events.> на %s (Ctrl+C для выхода)\n", *serverURL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func parseTopics(s string) map[string]struct{} {
	if s == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, t := range strings.Split(s, ",") {
		out[strings.TrimSpace(t)] = struct{}{}
	}
	return out
}

func printEvent(data []byte, wanted map[string]struct{}, raw bool) {
	var ev eventbus.Envelope
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Printf("⚠️ нечитаемое событие: %v\n", err)
		return
	}
	if wanted != nil {
		if _, ok := wanted[string(ev.Topic)]; !ok {
			return
		}
	}
	if raw {
		fmt.Println(string(data))
		return
	}
	fmt.Printf("%s  %-12s %-18s %v\n",
		ev.Timestamp.Format("15:04:05.000"), ev.Topic, ev.EventType, ev.Payload)
}
