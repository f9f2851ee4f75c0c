package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/roffe/godiag"
	"github.com/roffe/godiag/pkg/config"
	"github.com/roffe/godiag/pkg/fault"
	"github.com/roffe/godiag/pkg/isotp"
	"github.com/roffe/godiag/pkg/logger"
	"github.com/roffe/godiag/pkg/manufacturer"
	"github.com/roffe/godiag/pkg/obd"
	"github.com/roffe/godiag/pkg/uds"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagAdapter  = "adapter"
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagAddress  = "address"
	flagDebug    = "debug"
	flagConfig   = "config"
)

var (
	v   = viper.New()
	cfg *config.Config
	log = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:          "godiag",
	Short:        "vehicle diagnostics over ELM327 compatible adapters",
	Long:         `Read VINs and trouble codes, monitor live data, run service procedures and program ECUs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString(flagConfig)
		if err != nil {
			return err
		}
		c, err := config.Load(v, path)
		if err != nil {
			return err
		}
		l, err := logger.New(c.LogLevel, c.Debug)
		if err != nil {
			return err
		}
		cfg, log = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagAdapter, "a", "ELM327", "what adapter to use")
	pf.StringP(flagPort, "p", "", "com-port, see 'adapters' for available ports")
	pf.IntP(flagBaudrate, "b", 38400, "baudrate")
	pf.String(flagAddress, "192.168.0.10:35000", "host:port for network adapters")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.StringP(flagConfig, "c", "", "config file")
	for _, name := range []string{flagAdapter, flagPort, flagBaudrate, flagAddress, flagDebug} {
		if err := v.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// link is the assembled protocol stack for one adapter.
type link struct {
	t          godiag.Transport
	tp         *isotp.Layer
	mfr        *manufacturer.Layer
	uds        *uds.Client
	obd        *obd.Client
	classifier *fault.Classifier
	lock       *godiag.ChannelLock
}

func connect(ctx context.Context) (*link, error) {
	t, err := godiag.NewAdapter(cfg.Adapter, &godiag.AdapterConfig{
		Debug:        cfg.Debug,
		Port:         cfg.Port,
		PortBaudrate: cfg.Baudrate,
		Address:      cfg.Address,
		OnMessage: func(msg string) {
			log.Debug(msg, zap.String("adapter", cfg.Adapter))
		},
		OnError: func(err error) {
			log.Warn("adapter error", zap.String("adapter", cfg.Adapter), zap.Error(err))
		},
	})
	if err != nil {
		return nil, err
	}
	if err := t.Open(ctx); err != nil {
		return nil, err
	}
	if es, ok := t.(eventSource); ok {
		go godiag.LogEvents(log.With(zap.String("adapter", cfg.Adapter)), es.Event(), es.Done())
	}

	l := &link{
		t:          t,
		classifier: fault.NewClassifier(fault.WithMaxRetries(cfg.MaxRetries), fault.WithLogger(log)),
		lock:       godiag.NewChannelLock(),
	}
	l.tp = isotp.New(t, cfg.TxID, cfg.RxID, isotp.WithTimeout(cfg.FrameTimeout), isotp.WithLogger(log))
	l.mfr = manufacturer.New(l.tp, manufacturer.DefaultTables(), manufacturer.WithLogger(log))
	l.uds = uds.New(l.mfr, uds.WithLogger(log))
	l.obd = obd.New(l.uds)

	if cfg.Manufacturer != "" {
		l.mfr.SelectManufacturer(manufacturer.Manufacturer(cfg.Manufacturer))
	} else if vin, err := l.obd.ReadVIN(ctx); err == nil {
		p := l.mfr.Select(vin)
		log.Info("detected vehicle", zap.String("vin", vin), zap.String("manufacturer", string(p.Manufacturer)))
	} else {
		log.Debug("VIN unavailable, using generic profile", zap.Error(err))
	}
	if err := l.mfr.Init(ctx); err != nil {
		t.Close()
		return nil, err
	}
	return l, nil
}

type eventSource interface {
	Event() <-chan godiag.Event
	Done() <-chan struct{}
}

func (l *link) Close() {
	l.classifier.Close()
	if err := l.t.Close(); err != nil {
		log.Debug("close adapter", zap.Error(err))
	}
}

// explain prints what the user should do about err.
func (l *link) explain(err error, cmd string) {
	a := l.classifier.ClassifyError(err, cmd)
	hint := ""
	switch a.Type {
	case fault.Reconnect:
		hint = "check the adapter connection and try again"
	case fault.SelectDevice:
		hint = "select another adapter or port, see 'godiag adapters'"
	case fault.RetryCommand:
		hint = "the vehicle did not answer in time, try again"
	case fault.RequestPermission:
		hint = "the serial port needs additional permissions"
	case fault.SwitchProtocol:
		hint = "the adapter rejected the request, try setting the manufacturer"
	case fault.ReportMessage, fault.ShowError:
		hint = a.Message
	}
	color.Red("%s: %v", strings.ToLower(a.Type.String()), err)
	if hint != "" {
		fmt.Println(hint)
	}
}
