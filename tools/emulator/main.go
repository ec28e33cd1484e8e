package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/iot/emulator"
	"github.com/relabs-tech/tbdevice/iot/ota/checksum"
)

type options struct {
	mqttAddress     string
	httpAddress     string
	certFile        string
	keyFile         string
	caCertFile      string
	provisionKey    string
	provisionSecret string
	logLevel        string
	firmwareFile    string
	firmwareTitle   string
	firmwareVersion string
	algorithm       string
}

func main() {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Runs a cloud emulator for the device client",
		Long: "Runs an MQTT broker that answers the device protocol, together with an admin API " +
			"to stage firmware, set shared attributes and call methods on the device.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&o.mqttAddress, "mqtt", "", "MQTT listen address (default :1883, or :8883 with TLS)")
	flags.StringVar(&o.httpAddress, "http", ":8080", "admin API listen address")
	flags.StringVar(&o.certFile, "cert", "", "X.509 certificate file, enables TLS")
	flags.StringVar(&o.keyFile, "key", "", "X.509 private key file")
	flags.StringVar(&o.caCertFile, "ca-cert", "", "certificate authority for client certificates")
	flags.StringVar(&o.provisionKey, "provision-key", "", "accepted provisioning key")
	flags.StringVar(&o.provisionSecret, "provision-secret", "", "accepted provisioning secret")
	flags.StringVar(&o.logLevel, "log-level", "info", "log level")
	flags.StringVar(&o.firmwareFile, "firmware", "", "firmware image to stage at startup")
	flags.StringVar(&o.firmwareTitle, "fw-title", "device", "title of the staged firmware")
	flags.StringVar(&o.firmwareVersion, "fw-version", "1.0.0", "version of the staged firmware")
	flags.StringVar(&o.algorithm, "fw-algorithm", string(checksum.SHA256), "checksum algorithm of the staged firmware")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (o *options) run(ctx context.Context) error {
	level, err := logger.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	logger.InitLogger(level)
	log := logger.Default()

	cloud := emulator.NewCloud(&emulator.CloudBuilder{
		ProvisionDeviceKey:    o.provisionKey,
		ProvisionDeviceSecret: o.provisionSecret,
	})
	if len(o.firmwareFile) > 0 {
		algorithm, err := checksum.ParseAlgorithm(o.algorithm)
		if err != nil {
			return err
		}
		image, err := os.ReadFile(o.firmwareFile)
		if err != nil {
			return err
		}
		if _, err := cloud.SetFirmware(o.firmwareTitle, o.firmwareVersion, algorithm, image); err != nil {
			return err
		}
	}

	broker, err := emulator.NewBroker(&emulator.BrokerBuilder{
		Cloud:      cloud,
		Address:    o.mqttAddress,
		CertFile:   o.certFile,
		KeyFile:    o.keyFile,
		CACertFile: o.caCertFile,
	})
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	emulator.NewAPI(&emulator.APIBuilder{Cloud: cloud, Publisher: broker, Router: router})
	requestLog := log.WithField("component", "http").Writer()
	defer requestLog.Close()
	server := &http.Server{
		Addr:              o.httpAddress,
		Handler:           handlers.CombinedLoggingHandler(requestLog, router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("admin api listening on %s", o.httpAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Errorln("admin api failed")
		}
	}()

	err = broker.Run(ctx)
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdown); shutdownErr != nil {
		log.WithError(shutdownErr).Warnln("cannot shut down admin api")
	}
	return err
}
