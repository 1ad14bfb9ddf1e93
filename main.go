package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ogier/pflag"
	"github.com/sirupsen/logrus"

	"github.com/drio/wgnoise/config"
	"github.com/drio/wgnoise/conn"
	"github.com/drio/wgnoise/device"
	"github.com/drio/wgnoise/noise"
	"github.com/drio/wgnoise/tun"
)

func main() {
	pflag.Usage = printUsage

	configFile := pflag.StringP("config", "c", "", "configuration file path")
	debug := pflag.BoolP("debug", "d", false, "enable debug logging")
	genkey := pflag.Bool("genkey", false, "print a new private key and exit")
	pubkey := pflag.Bool("pubkey", false, "read a private key from stdin, print its public key and exit")
	pflag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	switch {
	case *genkey:
		if err := printPrivateKey(); err != nil {
			logrus.WithError(err).Fatal("failed to generate key")
		}
		return
	case *pubkey:
		if err := printPublicKey(); err != nil {
			logrus.WithError(err).Fatal("failed to derive public key")
		}
		return
	case *configFile == "":
		printUsage()
		os.Exit(1)
	}

	if err := run(*configFile); err != nil {
		logrus.WithError(err).Fatal("wgnoise stopped")
	}
}

func run(configFile string) error {
	log := logrus.WithField("component", "main")

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var routes []net.IPNet
	peers := make([]device.PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		routes = append(routes, p.AllowedIPs...)
		peers = append(peers, device.PeerConfig{
			PublicKey:    p.PublicKey,
			PresharedKey: p.PresharedKey,
			Endpoint:     p.Endpoint,
			AllowedIPs:   p.AllowedIPs,
		})
	}

	udpConn, err := conn.SetupUDP(cfg.Interface.ListenPort)
	if err != nil {
		return fmt.Errorf("failed to setup UDP socket: %w", err)
	}

	tunDev, err := tun.SetupTUN(tun.Config{
		Name:    cfg.Interface.TunName,
		Address: cfg.Interface.TunAddress,
		MTU:     cfg.Interface.MTU,
		Routes:  routes,
	})
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to setup TUN interface: %w", err)
	}

	d, err := device.NewDevice(tunDev, udpConn, device.Config{
		PrivateKey: cfg.Interface.PrivateKey,
		Peers:      peers,
		MTU:        cfg.Interface.MTU,
	})
	if err != nil {
		tunDev.Close()
		udpConn.Close()
		return fmt.Errorf("failed to create device: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.WithField("signal", sig).Info("shutting down")
		if err := d.Close(); err != nil {
			log.WithError(err).Warn("error closing device")
		}
	}()

	log.WithFields(logrus.Fields{
		"interface":  cfg.Interface.TunName,
		"listen":     cfg.Interface.ListenPort,
		"public_key": d.PublicKey().String(),
	}).Info("interfaces initialized")
	d.Run()
	return nil
}

func printPrivateKey() error {
	sk, err := noise.NewPrivateKey()
	if err != nil {
		return err
	}
	defer sk.Wipe()
	fmt.Println(base64.StdEncoding.EncodeToString(sk[:]))
	return nil
}

func printPublicKey() error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	raw, err := config.DecodeKey(strings.TrimSpace(line))
	if err != nil {
		return err
	}
	sk := noise.PrivateKey(raw)
	defer sk.Wipe()
	fmt.Println(sk.PublicKey())
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: "+os.Args[0]+" -c <config-file> [--debug]")
	fmt.Fprintln(os.Stderr, "       "+os.Args[0]+" --genkey")
	fmt.Fprintln(os.Stderr, "       "+os.Args[0]+" --pubkey < private.key")
	fmt.Fprintln(os.Stderr, "Flags:")
	pflag.PrintDefaults()
}
