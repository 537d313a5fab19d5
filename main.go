package main

import "github.com/billm/baaaht/ipcflow/cmd"

func main() {
	cmd.Execute()
}
