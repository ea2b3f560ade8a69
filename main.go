package main

import "github.com/frahmantamala/identity-mesh/cmd"

func main() {
	cmd.Execute()
}
