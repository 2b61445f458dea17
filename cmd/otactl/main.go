// Command otactl is a plain HTTP client for cmd/controllerd's REST/JSON
// management surface (spec §6) — the operator-facing counterpart to the
// cluster controller daemon, in the same flag-free subcommand style as
// cmd/hailort.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addr := os.Getenv("OTACTL_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	c := &client{base: strings.TrimRight(addr, "/")}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = c.clusterStatus()
	case "discover":
		err = c.discover()
	case "node-status":
		err = requireNode(args, func(id string) error { return c.nodeStatus(id) })
	case "ping":
		err = requireNode(args, func(id string) error { return c.ping(id) })
	case "led":
		err = cmdLED(c, args)
	case "deploy-topology":
		err = requireNodeAndFile(args, c.deployTopology)
	case "spike":
		err = cmdSpike(c, args)
	case "snn-status":
		err = c.snnStatus()
	case "snn-start":
		err = c.snnStart()
	case "snn-stop":
		err = c.snnStop()
	case "snn-reset":
		err = c.snnReset()
	case "deploy-firmware":
		err = cmdDeployFirmware(c, args)
	case "files":
		err = c.listFiles()
	case "get-file":
		err = requireArg(args, "otactl get-file <name>", func(name string) error { return c.getFile(name, os.Stdout) })
	case "put-file":
		err = cmdPutFile(c, args)
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "otactl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("otactl — HTTP client for the Z1 Onyx cluster controller")
	fmt.Println()
	fmt.Println("Set OTACTL_ADDR to point at the controller (default http://localhost:8080)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status                          cluster-wide node status")
	fmt.Println("  discover                        run discovery and list responding nodes")
	fmt.Println("  node-status <id>                single node status")
	fmt.Println("  ping <id>                       round-trip ping a node")
	fmt.Println("  led <id> <rgb>                  set LED, e.g. led 3 101")
	fmt.Println("  deploy-topology <id> <file>     deploy a JSON neuron spec array to a node")
	fmt.Println("  spike <id> <global-id>          inject a spike at a node")
	fmt.Println("  snn-status                      cluster-wide SNN engine status")
	fmt.Println("  snn-start                       start all nodes' SNN engines")
	fmt.Println("  snn-stop                        stop all nodes' SNN engines")
	fmt.Println("  snn-reset                       stop and clear all nodes' SNN engines")
	fmt.Println("  deploy-firmware <id> <sdfile>   OTA-update a node from an SD card file")
	fmt.Println("  files                           list files on the SD card")
	fmt.Println("  get-file <name>                 print a file's contents to stdout")
	fmt.Println("  put-file <name> <localpath>     upload a local file to the SD card")
	fmt.Println("  help                            show this help")
}

type client struct {
	base string
	hc   http.Client
}

func (c *client) do(method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(data))
	}
	return data, nil
}

func (c *client) getJSON(path string) error { return c.roundTripJSON("GET", path, nil) }

func (c *client) roundTripJSON(method, path string, body []byte) error {
	data, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	return printPrettyJSON(data)
}

func printPrettyJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		_, err := os.Stdout.Write(data)
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *client) clusterStatus() error { return c.getJSON("/api/cluster/status") }
func (c *client) discover() error      { return c.roundTripJSON("POST", "/api/discover", []byte("{}")) }
func (c *client) nodeStatus(id string) error {
	return c.getJSON("/api/nodes/" + id + "/status")
}
func (c *client) ping(id string) error {
	return c.roundTripJSON("POST", "/api/nodes/"+id+"/ping", []byte("{}"))
}
func (c *client) snnStatus() error { return c.getJSON("/api/snn/status") }
func (c *client) snnStart() error  { return c.roundTripJSON("POST", "/api/snn/start", []byte("{}")) }
func (c *client) snnStop() error   { return c.roundTripJSON("POST", "/api/snn/stop", []byte("{}")) }
func (c *client) snnReset() error  { return c.roundTripJSON("POST", "/api/snn/reset", []byte("{}")) }
func (c *client) listFiles() error { return c.getJSON("/api/files") }

func (c *client) getFile(name string, w io.Writer) error {
	data, err := c.do("GET", "/api/files/"+name, nil)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (c *client) putFile(name string, data []byte) error {
	_, err := c.do("PUT", "/api/files/"+name, data)
	return err
}

func (c *client) deployTopology(id, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.roundTripJSON("POST", "/api/nodes/"+id+"/topology", data)
}

func (c *client) injectSpike(id string, globalID uint32) error {
	body, _ := json.Marshal(map[string]uint32{"source_global_id": globalID})
	return c.roundTripJSON("POST", "/api/nodes/"+id+"/spike", body)
}

func (c *client) setLED(id string, red, green, blue bool) error {
	body, _ := json.Marshal(map[string]bool{"red": red, "green": green, "blue": blue})
	return c.roundTripJSON("POST", "/api/nodes/"+id+"/led", body)
}

func (c *client) deployFirmware(id, sdFile string) error {
	body, _ := json.Marshal(map[string]string{"file": sdFile})
	return c.roundTripJSON("POST", "/api/nodes/"+id+"/firmware/deploy", body)
}

func requireArg(args []string, usage string, fn func(string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s", usage)
	}
	return fn(args[0])
}

func requireNode(args []string, fn func(string) error) error {
	return requireArg(args, "otactl <command> <id>", fn)
}

func requireNodeAndFile(args []string, fn func(id, path string) error) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: otactl deploy-topology <id> <file>")
	}
	return fn(args[0], args[1])
}

func cmdLED(c *client, args []string) error {
	if len(args) < 2 || len(args[1]) != 3 {
		return fmt.Errorf("usage: otactl led <id> <rgb>, e.g. led 3 101")
	}
	bits := args[1]
	return c.setLED(args[0], bits[0] == '1', bits[1] == '1', bits[2] == '1')
}

func cmdSpike(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: otactl spike <id> <global-id>")
	}
	gid, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("global-id: %w", err)
	}
	return c.injectSpike(args[0], uint32(gid))
}

func cmdDeployFirmware(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: otactl deploy-firmware <id> <sdfile>")
	}
	return c.deployFirmware(args[0], args[1])
}

func cmdPutFile(c *client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: otactl put-file <name> <localpath>")
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	return c.putFile(args[0], data)
}
