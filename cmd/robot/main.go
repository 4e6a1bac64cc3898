package main

import (
	"log"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
