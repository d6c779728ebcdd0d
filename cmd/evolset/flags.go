package main

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	ConfigPath string
	JSON       bool
}

type InspectFlags struct {
	History string
	RunID   string
	JSON    bool
}

type DemoFlags struct {
	Out string
}
