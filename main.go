package main

import "github.com/jmsv23/email-sort/internal/app"

func main() {
	app.Execute()
}
