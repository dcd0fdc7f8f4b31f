package main

import "github.com/BoltzExchange/hold"

func main() {
	hold.Main()
}
