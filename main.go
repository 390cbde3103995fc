package main

import "github.com/ValentinKolb/kvhost/cmd"

func main() {
	cmd.Execute()
}
