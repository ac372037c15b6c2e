package main

import "telegram-queue-bot/internal/app"

func main() {
	app.Run()
}
