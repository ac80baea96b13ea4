package main

import "github.com/deploymenttheory/ibackupfs/cmd"

func main() {
	cmd.Execute()
}
