package main

// AppVersion is set at build time: -ldflags "-X main.AppVersion=1.2.3"
var AppVersion = "dev"

func main() {
	Execute()
}
