package main

import (
	"log"

	"github.com/smartist/taigabot/bot"
)

func main() {
	if err := bot.Run(); err != nil {
		log.Fatalf("taigabot: %v", err)
	}
}
