package main

import (
	"flag"
	"log"
	"os"
	"reflect"

	"github.com/robotalks/rrbus/pkg/env"
	fx "github.com/robotalks/rrbus/pkg/framework"
	"github.com/robotalks/rrbus/pkg/mqttbridge"
	"github.com/robotalks/rrbus/pkg/msgs"
)

var (
	mqttURL = env.Default().MQTTBrokerURL
	topic   = "bus/#"
)

func init() {
	if val := os.Getenv(env.EnvPrefix + "MQTT"); val != "" {
		mqttURL = val
	}
	flag.StringVar(&mqttURL, "mqtt", mqttURL, "MQTT broker URL.")
	flag.StringVar(&topic, "topic", topic, "Topic pattern to watch.")
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds)

	q, err := mqttbridge.NewQueueFromURL(mqttURL, env.DefaultClientID()+"-mon")
	if err != nil {
		log.Fatalln(err)
	}

	q.Subscribe(topic, func(topic string, payload []byte) {
		typed, err := msgs.DecodeTyped(payload)
		if err != nil {
			log.Printf("%s: bad message: %v", topic, err)
			return
		}
		msg, err := typed.Decode()
		if err != nil {
			log.Printf("%s: decode error: (type_id=%x) %v", topic, typed.TypeId, err)
			return
		}
		log.Printf("%s: [%s] %s", topic,
			reflect.Indirect(reflect.ValueOf(msg)).Type().Name(), msg.String())
	})
	err = fx.NewRunner().HandleSignals().Go(fx.NamedRun("mqtt", q)).Wait()
	if err != nil {
		log.Fatalln(err)
	}
}
