package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/loopholelabs/vlab/pkg/rendezvous"
)

func main() {
	address := flag.String("address", "", "Rendezvous server address")
	name := flag.String("name", "", "Host name to announce (defaults to the hostname)")
	text := flag.String("text", "", "Free text sent after the name")
	timeout := flag.Duration("timeout", time.Minute, "Dial timeout")

	flag.Parse()

	if *address == "" {
		log.Fatal("-address is required")
	}

	if *name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			panic(err)
		}

		*name = hostname
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log.Println("Sending boot notification")

	dialCtx, cancelDialCtx := context.WithTimeout(ctx, *timeout)
	defer cancelDialCtx()

	if err := rendezvous.SendNotification(dialCtx, *address, *name, *text); err != nil {
		panic(err)
	}

	log.Println("Sent boot notification")
}
