package main

import "github.com/searchktools/topk-server/cmd"

func main() {
	cmd.Execute()
}
