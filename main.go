package main

import "github.com/sitedock/sitedock/cmd/root"

func main() {
	root.Execute()
}
