package main

import "github.com/ValentinKolb/dBoard/cmd"

func main() {
	cmd.Execute()
}
