package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/shardview/broker"
	"github.com/karalabe/shardview/cluster"
	"github.com/karalabe/shardview/config"
	"github.com/karalabe/shardview/driver"
	"github.com/karalabe/shardview/metrics"
	"github.com/karalabe/shardview/monitor"
	"github.com/karalabe/shardview/sharding"
	"github.com/karalabe/shardview/singleton"
	"github.com/karalabe/shardview/topology"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configFlag   string
	nameFlag     string
	datadirFlag  string
	secretFlag   string
	bootnodeFlag string
	bindAddrFlag string
	bindPortFlag int
	extAddrFlag  string
	extPortFlag  int
	httpAddrFlag string
	logLevelFlag string

	targetFlag string
)

func main() {
	// Configure the logger to print everything
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	cmdNode := &cobra.Command{
		Use:   "node",
		Short: "Run a cluster member hosting entities and a topology monitor",
		Run:   runNode,
	}
	cmdNode.Flags().StringVar(&configFlag, "config", "", "YAML configuration file to load")
	cmdNode.Flags().StringVar(&nameFlag, "node.name", "", "Unique identifier for this node across the entire cluster")
	cmdNode.Flags().StringVar(&datadirFlag, "node.datadir", "", "Folder to persist broker state through restarts")
	cmdNode.Flags().StringVar(&secretFlag, "node.secret", "", "Shared secret to authenticate and encrypt with")
	cmdNode.Flags().StringVar(&bootnodeFlag, "node.boot", "", "Entrypoint into an existing cluster")
	cmdNode.Flags().StringVar(&bindAddrFlag, "bind.addr", "", "Listener interface for remote members")
	cmdNode.Flags().IntVar(&bindPortFlag, "bind.port", 0, "Listener port for remote members")
	cmdNode.Flags().StringVar(&extAddrFlag, "ext.addr", "", "Advertised address for remote members (default = first external interface)")
	cmdNode.Flags().IntVar(&extPortFlag, "ext.port", 0, "Advertised port for remote members (default = bind.port)")
	cmdNode.Flags().StringVar(&httpAddrFlag, "http.addr", "", "Listener address of the topology HTTP endpoint")
	cmdNode.Flags().StringVar(&logLevelFlag, "log.level", "", "Log level (trace, debug, info, warn, error, crit)")

	cmdStatus := &cobra.Command{
		Use:   "status",
		Short: "Print the topology tree as seen by a running node",
		Run:   runStatus,
	}
	cmdStatus.Flags().StringVar(&httpAddrFlag, "http.addr", "127.0.0.1:8080", "HTTP endpoint of the node to query")

	cmdStop := &cobra.Command{
		Use:   "stop <member>",
		Short: "Request a member to leave the cluster",
		Args:  cobra.ExactArgs(1),
		Run:   runStop,
	}
	cmdStop.Flags().StringVar(&targetFlag, "broker", "", "Broker address of the member to stop")
	cmdStop.Flags().StringVar(&secretFlag, "node.secret", "", "Shared secret to authenticate and encrypt with")
	cmdStop.MarkFlagRequired("broker")
	cmdStop.MarkFlagRequired("node.secret")

	rootCmd := &cobra.Command{Use: "shardview"}
	rootCmd.AddCommand(cmdNode, cmdStatus, cmdStop)
	rootCmd.Execute()
}

// loadConfig layers the command line flags over the file and environment config.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Crit("Failed to load configuration", "err", err)
	}
	flags := cmd.Flags()
	if flags.Changed("node.name") {
		cfg.Node.Name = nameFlag
	}
	if flags.Changed("node.datadir") {
		cfg.Node.Datadir = datadirFlag
	}
	if flags.Changed("node.secret") {
		cfg.Node.Secret = secretFlag
	}
	if flags.Changed("node.boot") {
		cfg.Node.Boot = bootnodeFlag
	}
	if flags.Changed("bind.addr") {
		cfg.Network.BindAddr = bindAddrFlag
	}
	if flags.Changed("bind.port") {
		cfg.Network.BindPort = bindPortFlag
	}
	if flags.Changed("ext.addr") {
		cfg.Network.ExtAddr = extAddrFlag
	}
	if flags.Changed("ext.port") {
		cfg.Network.ExtPort = extPortFlag
	}
	if flags.Changed("http.addr") {
		cfg.HTTP.Addr = httpAddrFlag
	}
	if flags.Changed("log.level") {
		cfg.Log.Level = logLevelFlag
	}
	if cfg.Network.ExtAddr == "" {
		cfg.Network.ExtAddr = externalAddress()
	}
	if cfg.Network.ExtPort == 0 {
		cfg.Network.ExtPort = cfg.Network.BindPort
	}
	if cfg.Node.Name == "" || cfg.Node.Secret == "" {
		log.Crit("Node name and secret are mandatory")
	}
	if err := cfg.Validate(); err != nil {
		log.Crit("Invalid configuration", "err", err)
	}
	return cfg
}

func runNode(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	level, _ := cfg.Level()
	log.Root().SetHandler(log.LvlFilterHandler(level, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	// Leaving the cluster, either on a signal or on request, cancels the root
	// context and tears everything down in reverse order
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry); err != nil {
		log.Crit("Failed to register metrics", "err", err)
	}
	// Configure and start the message broker
	brokerConfig := &broker.Config{
		Name:    cfg.Node.Name,
		Datadir: cfg.Datadir(),
		Secret:  cfg.Node.Secret,
		Listener: &net.TCPAddr{
			IP:   net.ParseIP(cfg.Network.BindAddr),
			Port: cfg.Network.BindPort,
		},
	}
	broker, err := broker.New(brokerConfig)
	if err != nil {
		log.Crit("Failed to start message broker", "err", err)
	}
	defer broker.Close()

	// Configure and start the cluster manager
	clusterConfig := &cluster.Config{
		External: &net.TCPAddr{
			IP:   net.ParseIP(cfg.Network.ExtAddr),
			Port: cfg.Network.ExtPort,
		},
	}
	cluster, err := cluster.New(clusterConfig, broker)
	if err != nil {
		log.Crit("Failed to start message cluster", "err", err)
	}
	defer cluster.Close()

	// If a bootnode was specified, explicitly connect to it
	if cfg.Node.Boot != "" {
		bootnodeAddr, err := net.ResolveTCPAddr("tcp", cfg.Node.Boot)
		if err != nil {
			log.Crit("Failed to resolve bootnode address", "err", err)
		}
		if err := cluster.Join(bootnodeAddr); err != nil {
			log.Crit("Failed to join to bootnode", "err", err)
		}
	}
	// Assemble the topology monitor and the entities reporting into it
	mon := monitor.New(&monitor.Config{
		StatsCount:    cfg.Monitor.StatsCount,
		StatsInterval: cfg.Monitor.StatsInterval,
		Leave:         cancel,
	}, cluster)
	defer mon.Close()

	region := sharding.NewRegion(&sharding.Config{
		Shards:      cfg.Entities.Shards,
		IdleTimeout: cfg.Entities.IdleTimeout,
		Mailbox:     cfg.Entities.Mailbox,
	}, cluster, mon)
	defer region.Close()

	for topic, handler := range map[string]func([]byte) error{
		sharding.EntitiesTopic: region.HandleEnvelope,
		sharding.RepliesTopic:  region.HandleReply,
		monitor.Topic:          mon.HandleMessage,
	} {
		consumer, err := broker.Subscribe(topic, handler)
		if err != nil {
			log.Crit("Failed to subscribe to topic", "topic", topic, "err", err)
		}
		defer consumer.Stop()
	}
	// Start generating traffic and running the singleton
	commands := driver.New(&driver.Config{
		Name:   "commands",
		Source: driver.NewCommandSource(cfg.Node.Name, cfg.Driver.IDMin, cfg.Driver.IDMax),
		Rate:   cfg.Driver.CommandRate,
	}, region, cluster)
	defer commands.Close()
	region.Register(commands.Name(), commands.Ack)

	queries := driver.New(&driver.Config{
		Name:     "queries",
		Source:   driver.NewQuerySource(cfg.Driver.IDMin, cfg.Driver.IDMax),
		Interval: cfg.Driver.QueryInterval,
	}, region, nil)
	defer queries.Close()
	region.Register(queries.Name(), queries.Ack)

	singleton := singleton.New(&singleton.Config{Interval: cfg.Monitor.SingletonInterval}, cluster, mon)
	defer singleton.Close()

	// Serve the topology until the node is asked to leave
	group, ctx := errgroup.WithContext(ctx)
	if cfg.HTTP.Addr != "" {
		group.Go(func() error {
			return monitor.Serve(ctx, cfg.HTTP.Addr, mon.Handler(metrics.Handler(registry)), nil)
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		log.Info("Leaving cluster", "name", cfg.Node.Name)
		return nil
	})
	if err := group.Wait(); err != nil {
		log.Error("Node terminated abnormally", "err", err)
	}
}

func runStatus(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 15 * time.Second}

	res, err := client.Get("http://" + httpAddrFlag + "/topology")
	if err != nil {
		log.Crit("Failed to retrieve topology", "err", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		log.Crit("Failed to retrieve topology", "status", res.Status)
	}
	root := new(topology.Node)
	if err := json.NewDecoder(res.Body).Decode(root); err != nil {
		log.Crit("Failed to decode topology", "err", err)
	}
	var rows [][]string
	for _, member := range root.Children {
		for _, shard := range member.Children {
			events := 0
			for _, entity := range shard.Children {
				events += entity.Events
			}
			rows = append(rows, []string{member.Name, member.Tags.Without(topology.TagMember).String(), shard.Name, strconv.Itoa(len(shard.Children)), strconv.Itoa(events)})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i][0] != rows[j][0] {
			return rows[i][0] < rows[j][0]
		}
		a, _ := strconv.Atoi(rows[i][2])
		b, _ := strconv.Atoi(rows[j][2])
		return a < b
	})
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Member", "Role", "Shard", "Entities", "Events"})
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()

	fmt.Printf("\n%d members, %d shards\n", len(root.Children), len(rows))
}

func runStop(cmd *cobra.Command, args []string) {
	blob, err := sharding.Marshal(monitor.StopNode{Member: args[0]})
	if err != nil {
		log.Crit("Failed to encode stop request", "err", err)
	}
	if err := broker.NewClient(secretFlag, nil).Publish(targetFlag, monitor.Topic, blob); err != nil {
		log.Crit("Failed to deliver stop request", "err", err)
	}
	log.Info("Stop requested", "member", args[0])
}

// externalAddress iterates over all the network interfaces of the machine and
// returns the first non-loopback one (or the loopback if none can be found).
func externalAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Crit("Failed to retrieve network interfaces", "err", err)
	}
	for _, iface := range ifaces {
		// Skip disconnected and loopback interfaces
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Warn("Failed to retrieve network addresses", "err", err)
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				return v.IP.String()
			case *net.IPAddr:
				return v.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
