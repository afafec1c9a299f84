// Command splaxd boots a single Splax node: it discovers ACPI/PCI
// resources, binds drivers, then brings up the capability engine, IPC
// hub, VFS server, network stack, firewall, WASM runtime, and
// distributed router in dependency order.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/splax-s/splax/capability"
	"github.com/splax-s/splax/devices/acpi"
	"github.com/splax-s/splax/devices/pci"
	"github.com/splax-s/splax/firewall"
	"github.com/splax-s/splax/ipc"
	"github.com/splax-s/splax/kernel/metrics"
	"github.com/splax-s/splax/netstack"
	"github.com/splax-s/splax/router"
	"github.com/splax-s/splax/vfs"
	"github.com/splax-s/splax/vfs/ramfs"
	"github.com/splax-s/splax/wasmrt"
)

func main() {
	nodeFlag := flag.Uint64("node", 1, "this node's id, used to scope capability tokens and router sessions")
	mountFlag := flag.String("mount", "/", "path ramfs is mounted at in the VFS server")
	metricsFlag := flag.Bool("metrics", false, "serve Prometheus metrics over :9090/metrics")
	verboseFlag := flag.Bool("verbose", false, "enable debug-level logging")

	flag.Usage = printUsage
	flag.Parse()

	log := logrus.StandardLogger()
	if *verboseFlag {
		log.SetLevel(logrus.DebugLevel)
	}

	var sink metrics.Sink = metrics.Noop{}
	if *metricsFlag {
		sink = metrics.NewPrometheus(nil)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.WithError(http.ListenAndServe(":9090", mux)).Warn("splaxd: metrics server exited")
		}()
	}

	sys := discoverHardware(log)
	driverReg := bindDrivers(log, sys)

	capEngine, err := capability.NewEngine(*nodeFlag, capability.WithLogger(log), capability.WithMetrics(sink))
	if err != nil {
		log.WithError(err).Fatal("splaxd: capability engine init failed")
	}
	log.Info("splaxd: capability engine ready")

	hub := ipc.NewHub(capEngine, ipc.WithLogger(log), ipc.WithMetrics(sink))
	log.Info("splaxd: IPC hub ready")

	vfsServer := vfs.NewServer(vfs.WithLogger(log), vfs.WithMetrics(sink))
	if err := vfsServer.Mount(*mountFlag, ramfs.New(), false); err != nil {
		log.WithError(err).Fatal("splaxd: ramfs mount failed")
	}
	log.WithField("path", *mountFlag).Info("splaxd: VFS server ready")

	fw := firewall.New(firewall.WithMetrics(sink))
	stack := bringUpNetwork(log, sink, fw)
	log.Info("splaxd: firewall attached")

	rt := wasmrt.New(capEngine, defaultHostImpls(), wasmrt.WithMetrics(sink), wasmrt.WithLogger(log))
	log.Info("splaxd: WASM runtime ready")

	rtr := router.New(*nodeFlag, capEngine, router.WithLogger(log), router.WithMetrics(sink))
	log.Info("splaxd: distributed router ready")

	n := &node{hub: hub, vfs: vfsServer, stack: stack, wasm: rt, router: rtr}

	log.WithFields(logrus.Fields{
		"node":          *nodeFlag,
		"acpi_found":    sys.acpi != nil,
		"pci_devices":   len(sys.pciDevices),
		"unclaimed_pci": len(driverReg.unclaimed),
	}).Info("splaxd: boot complete")

	n.run()
}

// node bundles every live subsystem of a booted Splax instance. Wiring a
// shell, listener, or WASM module loader on top of these is a separate
// concern; splaxd's job ends at standing the core up correctly.
type node struct {
	hub    *ipc.Hub
	vfs    *vfs.Server
	stack  *netstack.Stack
	wasm   *wasmrt.Runtime
	router *router.Router
}

func (n *node) run() {
	select {}
}

type hardware struct {
	acpi       *acpi.SystemTables
	pciDevices []*pci.Device
}

// discoverHardware is the boot step for the ACPI table walk and PCI
// enumeration that precede driver binding. Those need acpi.Memory and
// pci.ConfigSpace backed by physical memory and port I/O, which splaxd
// does not have, so it runs neither: it logs a warning and returns an
// empty hardware set.
func discoverHardware(log *logrus.Logger) *hardware {
	log.Warn("splaxd: no physical ACPI/PCI backing available in this environment, skipping discovery")
	return &hardware{}
}

// bindDrivers runs every registered Driver's probe/enable sequence
// against the discovered devices. splaxd itself ships no concrete
// drivers — virtio-net, e1000, and xHCI/HID register sequences are a
// deployment's own concern — so every device comes back unclaimed
// until one registers a driver.
func bindDrivers(log *logrus.Logger, sys *hardware) *boundDrivers {
	reg := pci.NewDriverRegistry(log)
	unclaimed := reg.BindAll(nil, sys.pciDevices)
	return &boundDrivers{unclaimed: unclaimed}
}

type boundDrivers struct {
	unclaimed []*pci.Device
}

// bringUpNetwork constructs a single loopback-style interface and stack.
// A real deployment binds the Interface to a virtio-net or e1000 driver
// surfaced by bindDrivers; splaxd has none available in this environment
// (see discoverHardware), so it stands up a minimal stack whose send
// path is a no-op sink.
func bringUpNetwork(log *logrus.Logger, sink metrics.Sink, fw netstack.FirewallHook) *netstack.Stack {
	iface := netstack.NewInterface("lo0", net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	iface.Up()
	sendFrame := func([]byte) error { return nil }
	stack := netstack.NewStack(iface, sendFrame,
		netstack.WithFirewall(fw), netstack.WithMetrics(sink), netstack.WithLogger(log))
	log.WithField("iface", iface.Name).Info("splaxd: network stack ready")
	return stack
}

// defaultHostImpls wires the splax.* host function surface WASM modules
// import; splaxd's bindings are intentionally minimal,
// enough to run a module's deterministic compute without granting it any
// reachable kernel resource until a caller explicitly binds capabilities
// at Instantiate time.
func defaultHostImpls() map[wasmrt.HostFunction]wasmrt.HostImpl {
	return map[wasmrt.HostFunction]wasmrt.HostImpl{
		wasmrt.HostTimeNow: func(inst *wasmrt.Instance, args []int64) ([]int64, bool, error) {
			return []int64{time.Now().UnixNano()}, false, nil
		},
		wasmrt.HostLog: func(inst *wasmrt.Instance, args []int64) ([]int64, bool, error) {
			return nil, false, nil
		},
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "splaxd - Splax microkernel node")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  splaxd [-node <id>] [-mount <path>] [-metrics] [-verbose]")
}
