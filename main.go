package main

import "github.com/andresmejia3/facecollect/cmd"

func main() {
	cmd.Execute()
}
