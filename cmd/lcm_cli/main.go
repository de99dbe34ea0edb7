// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command lcm_cli is the operator-facing LCM client:
// lcm_cli {load|unload} -a <addr> -c <config.yaml>. It decodes the
// YAML codeletset config and sends one request to a running agent's
// LCM-IPC socket, exiting non-zero on any parse, decode, or RPC
// failure.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbpf-go/jbpf/lcmipc"
	"github.com/jbpf-go/jbpf/lcmyaml"
)

var (
	address    string
	configPath string
)

// defaultAddress is the agent's default run_path/namespace/socket
// layout ("/tmp/jbpf/jbpf_lcm_ipc").
var defaultAddress = lcmipc.SocketPath("/tmp", "jbpf", "jbpf_lcm_ipc")

func readConfig() ([]byte, error) {
	if configPath == "" {
		return nil, fmt.Errorf("-c <config.yaml> is required")
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("file %s does not exist", configPath)
	}
	return os.ReadFile(configPath)
}

func runLoad(cmd *cobra.Command, args []string) {
	data, err := readConfig()
	if err != nil {
		log.Printf("lcm_cli: %v", err)
		os.Exit(1)
	}

	req, err := lcmyaml.ParseLoadRequest(data, address)
	if err != nil {
		log.Printf("lcm_cli: failed to parse %s: %v", configPath, err)
		os.Exit(1)
	}

	log.Printf("sending load request for codeletset %q to %s", req.CodeletSetID.Name, address)
	ok, msg, err := lcmipc.SendLoadRequest(address, req)
	if err != nil {
		log.Printf("lcm_cli: %v", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
	fmt.Printf("codeletset %q loaded\n", req.CodeletSetID.Name)
}

func runUnload(cmd *cobra.Command, args []string) {
	data, err := readConfig()
	if err != nil {
		log.Printf("lcm_cli: %v", err)
		os.Exit(1)
	}

	req, err := lcmyaml.ParseUnloadRequest(data)
	if err != nil {
		log.Printf("lcm_cli: failed to parse %s: %v", configPath, err)
		os.Exit(1)
	}

	log.Printf("sending unload request for codeletset %q to %s", req.CodeletSetID.Name, address)
	ok, msg, err := lcmipc.SendUnloadRequest(address, req)
	if err != nil {
		log.Printf("lcm_cli: %v", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}
	fmt.Printf("codeletset %q unloaded\n", req.CodeletSetID.Name)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "lcm_cli",
		Short: "jbpf codeletset lifecycle CLI",
		Long:  "Loads and unloads jbpf codeletsets against a running agent's LCM-IPC socket",
	}
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", defaultAddress, "jbpf LCM-IPC socket address")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "codeletset configuration file")

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Load a codeletset",
		Run:   runLoad,
	}
	unloadCmd := &cobra.Command{
		Use:   "unload",
		Short: "Unload a codeletset",
		Run:   runUnload,
	}
	rootCmd.AddCommand(loadCmd, unloadCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
