package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/imattdu/xrayagent/config"
	"github.com/imattdu/xrayagent/daemon"
	"github.com/imattdu/xrayagent/emitter"
	"github.com/imattdu/xrayagent/entity"
	"github.com/imattdu/xrayagent/sampling"
	"github.com/imattdu/xrayagent/tracex"
)

// 发一条合成 trace 到 daemon，用来检查 daemon 地址和分片是否正常
func main() {
	addr := flag.String("addr", "", "daemon address, host:port or 'tcp:h:p udp:h:p'")
	fanout := flag.Int("fanout", 5, "subsegments under the root")
	fail := flag.Bool("fail", false, "record an error on the last subsegment")
	dump := flag.Bool("dump", false, "print datagrams instead of sending")
	flag.Parse()

	cfg, err := config.LoadOrDefault("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
	}
	if *addr != "" {
		cfg.DaemonAddress = *addr
	}
	cfg.SamplingStrategy = sampling.StrategyAll
	cfg.TraceIDInjection = false

	opts := []tracex.Option{tracex.WithConfig(cfg)}
	if *dump {
		opts = append(opts, tracex.WithSender(emitter.SenderFunc(func(b []byte) {
			fmt.Println(string(b))
		})))
	}
	rec, err := tracex.New(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "recorder:", err)
		os.Exit(1)
	}
	defer func() { _ = rec.Stop(context.Background()) }()

	ctx, seg := rec.BeginSegment(context.Background(), cfg.ServiceName, tracex.Header{})
	rec.AddAnnotation(seg, "synthetic", true)
	rec.AddMetadata(seg, "demo", "fanout", *fanout)
	for i := 0; i < *fanout; i++ {
		sctx, sub := rec.BeginSubsegment(ctx, fmt.Sprintf("step-%d", i), tracex.WithNamespace(entity.NamespaceRemote))
		time.Sleep(time.Millisecond)
		if *fail && i == *fanout-1 {
			rec.RecordError(sub, errors.New("synthetic failure"))
		}
		rec.EndSubsegment(sctx, sub)
	}
	fmt.Println(tracex.HeaderName+":", rec.TraceHeader(seg))
	rec.EndSegment(ctx, seg)

	if !*dump {
		a, _ := daemon.ParseAddr(cfg.DaemonAddress)
		fmt.Println("sent to", a.UDP)
	}
}
