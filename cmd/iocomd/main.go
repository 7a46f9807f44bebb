package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/iocafe/iocom-sub000/pkg/controlplane/redis"
	"github.com/iocafe/iocom-sub000/pkg/iocom/auth"
	"github.com/iocafe/iocom-sub000/pkg/iocom/connection"
	"github.com/iocafe/iocom-sub000/pkg/iocom/endpoint"
	"github.com/iocafe/iocom-sub000/pkg/iocom/mblk"
	"github.com/iocafe/iocom-sub000/pkg/iocom/root"
	"github.com/iocafe/iocom-sub000/pkg/iocom/transport"
)

// Configuration flags
var (
	mode        = flag.String("mode", "listen", "Connection role: listen or connect")
	transKind   = flag.String("transport", "tcp", "Transport: tcp, tls, or serial")
	addr        = flag.String("addr", ":6368", "Listen address, or the address/port to dial")
	serialBaud  = flag.Int("baud", 115200, "Serial baud rate (transport=serial only)")
	tlsCertFile = flag.String("tls-cert", "", "TLS certificate file (transport=tls listen only)")
	tlsKeyFile  = flag.String("tls-key", "", "TLS key file (transport=tls listen only)")

	deviceName  = flag.String("device-name", "device1", "This node's device name")
	deviceNr    = flag.Uint("device-nr", 1, "This node's device number")
	networkName = flag.String("network", "iocnet", "IOCOM network name")

	userName = flag.String("user", "", "Authentication user name")
	password = flag.String("password", "", "Authentication password")

	bidirectional = flag.Bool("bidirectional", false, "Replicate blocks in both directions")
	dynamicMblks  = flag.Bool("dynamic-mblks", false, "Create a local memory block on the fly for an unmatched peer advertisement")

	blockName = flag.String("block-name", "exp", "Name of the memory block to export")
	blockSize = flag.Int("block-size", 256, "Size in bytes of the exported memory block")

	redisAddr = flag.String("redis-addr", "", "Control-plane Redis address (empty disables the bridge)")
	redisPass = flag.String("redis-pass", "", "Control-plane Redis password")
	redisDB   = flag.Int("redis-db", 0, "Control-plane Redis database number")

	workers = flag.Int("workers", 0, "Listener worker pool size; 0 runs one goroutine per accepted connection")
)

// statusReportPeriod is how often the control-plane bridge, if
// configured, republishes this root's connection/drop counters.
const statusReportPeriod = 5 * time.Second

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting iocomd")
	log.Printf("Identity: %s/%d on network %q", *deviceName, *deviceNr, *networkName)
	log.Printf("Transport: %s, mode: %s, addr: %s", *transKind, *mode, *addr)

	r := root.New(root.Identity{
		DeviceName:  *deviceName,
		DeviceNr:    uint32(*deviceNr),
		NetworkName: *networkName,
	}, nil)
	defer r.Destroy()

	flags := mblk.Up | mblk.Down
	if *bidirectional {
		flags |= mblk.Bidirectional
	}

	r.Lock()
	id := r.NextUniqueMblkID()
	blk, err := mblk.New(*blockName, *blockSize, flags, id)
	if err != nil {
		log.Fatalf("Failed to create memory block: %v", err)
	}
	r.RegisterMblk(id, blk)
	r.Unlock()
	log.Printf("Exporting memory block %q (%d bytes, id=%d)", *blockName, *blockSize, id)

	var cpClient *redis.Client
	if *redisAddr != "" {
		cpClient, err = redis.New(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Fatalf("Failed to connect to control-plane Redis: %v", err)
		}
		defer cpClient.Close()
		log.Printf("Connected to control-plane Redis at %s", *redisAddr)
		if err := cpClient.PublishIdentity(*deviceName, *deviceName, uint32(*deviceNr), *networkName); err != nil {
			log.Printf("Warning: failed to publish identity: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := auth.Credentials{
		DeviceName:    *deviceName,
		DeviceNr:      uint32(*deviceNr),
		NetworkName:   *networkName,
		Password:      *password,
		Bidirectional: *bidirectional,
	}
	if *userName != "" {
		creds.DeviceName = *userName
	}

	if cpClient != nil {
		go func() {
			if err := cpClient.ReportRootStatus(ctx, r, *deviceName+":status", statusReportPeriod); err != nil && ctx.Err() == nil {
				log.Printf("control-plane status reporter stopped: %v", err)
			}
		}()
	}

	switch *mode {
	case "listen":
		runListener(ctx, r, creds)
	case "connect":
		runDialer(ctx, r, creds)
	default:
		log.Fatalf("unknown -mode %q (want listen or connect)", *mode)
	}

	log.Printf("Shutting down...")
}

func runListener(ctx context.Context, r *root.Root, creds auth.Credentials) {
	ep := endpoint.New(endpoint.Config{
		Root:               r,
		Listen:             func() (transport.Listener, error) { return listenOn(*transKind, *addr) },
		BidirectionalMblks: *bidirectional,
		DynamicMblks:       *dynamicMblks,
		Credentials:        creds,
		Authorize:          authorizeAll,
		OnConnection: func(c *connection.Connection) {
			log.Printf("accepted a new connection")
		},
		Workers: *workers,
	})
	defer ep.Close()

	if err := ep.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("endpoint stopped: %v", err)
	}
}

func runDialer(ctx context.Context, r *root.Root, creds auth.Credentials) {
	stream, err := dialOn(ctx, *transKind, *addr)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *addr, err)
	}

	conn, err := connection.New(connection.Config{
		Root:               r,
		Stream:             stream,
		ConnectUp:          true,
		BidirectionalMblks: *bidirectional,
		DynamicMblks:       *dynamicMblks,
		Credentials:        creds,
	})
	if err != nil {
		log.Fatalf("Failed to create connection: %v", err)
	}
	conn.SetRemoteAddr(*addr)
	defer conn.Close()

	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("connection ended: %v", err)
	}
}

func listenOn(kind, addr string) (transport.Listener, error) {
	switch kind {
	case "tcp":
		return transport.ListenTCP(addr)
	case "tls":
		cert, err := tls.LoadX509KeyPair(*tlsCertFile, *tlsKeyFile)
		if err != nil {
			return nil, err
		}
		return transport.ListenTLS(addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	case "serial":
		return transport.ListenSerial(addr, *serialBaud), nil
	default:
		log.Fatalf("unknown -transport %q (want tcp, tls, or serial)", kind)
		return nil, nil
	}
}

func dialOn(ctx context.Context, kind, addr string) (transport.Stream, error) {
	switch kind {
	case "tcp":
		var d transport.TCPDialer
		return d.Dial(ctx, addr)
	case "tls":
		d := transport.TLSDialer{Config: &tls.Config{InsecureSkipVerify: true}}
		return d.Dial(ctx, addr)
	case "serial":
		d := transport.SerialDialer{Baud: *serialBaud}
		return d.Dial(ctx, addr)
	default:
		log.Fatalf("unknown -transport %q (want tcp, tls, or serial)", kind)
		return nil, nil
	}
}

// authorizeAll accepts every connecting device unconditionally, the
// default policy for a standalone endpoint; a production deployment
// would look credentials up via the control-plane bridge instead.
func authorizeAll(creds auth.Credentials, remoteAddr string) ([]auth.AllowedNetwork, error) {
	return []auth.AllowedNetwork{{NetworkName: creds.NetworkName}}, nil
}
