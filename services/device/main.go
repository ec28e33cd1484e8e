package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/tbdevice/core/container"
	"github.com/relabs-tech/tbdevice/core/logger"
	"github.com/relabs-tech/tbdevice/core/pointers"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/device"
	"github.com/relabs-tech/tbdevice/iot/ota"
	"github.com/relabs-tech/tbdevice/iot/ota/flash"
	"github.com/relabs-tech/tbdevice/iot/provision"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

// exitRestart asks the supervisor to restart the device with the new image
const exitRestart = 3

// Service holds the configuration for this service
//
// use TB_BROKER=tcp://localhost:1883 TB_ACCESS_TOKEN=... or TB_PROVISION_KEY and
// TB_PROVISION_SECRET for a device that still needs credentials
type Service struct {
	Broker          string        `env:"TB_BROKER,default=tcp://localhost:1883" description:"the MQTT broker URL"`
	AccessToken     string        `env:"TB_ACCESS_TOKEN" description:"the device access token"`
	ClientID        string        `env:"TB_CLIENT_ID" description:"the MQTT client id, random when empty"`
	QoS             byte          `env:"TB_QOS,default=1" description:"the MQTT quality level"`
	DeviceName      string        `env:"TB_DEVICE_NAME" description:"the device name used for provisioning"`
	ProvisionKey    string        `env:"TB_PROVISION_KEY" description:"the provisioning key"`
	ProvisionSecret string        `env:"TB_PROVISION_SECRET" description:"the provisioning secret"`
	LogLevel        string        `env:"TB_LOG_LEVEL,default=info" description:"the log level"`
	Timeout         time.Duration `env:"TB_TIMEOUT,default=5s" description:"the response deadline of requests"`
	Policy          string        `env:"TB_CONTAINER_POLICY,default=growable" description:"fixed or growable bookkeeping"`
	Capacity        int           `env:"TB_CAPACITY,default=4" description:"pending requests per capability"`
	Telemetry       time.Duration `env:"TB_TELEMETRY_INTERVAL,default=1m" description:"the telemetry period"`

	FirmwareTitle     string `env:"TB_FW_TITLE,default=device" description:"the title of the running firmware"`
	FirmwareVersion   string `env:"TB_FW_VERSION,default=0.0.0" description:"the version of the running firmware"`
	FirmwarePath      string `env:"TB_FW_PATH,default=firmware.bin" description:"where downloaded images are stored"`
	FirmwareChunkSize uint32 `env:"TB_FW_CHUNK_SIZE,default=4096" description:"the firmware chunk size"`
	FirmwareBucket    string `env:"TB_FW_S3_BUCKET" description:"stores images in this S3 bucket instead of a file"`
	FirmwareKey       string `env:"TB_FW_S3_KEY,default=firmware.bin" description:"the S3 object key"`
	AWSRegion         string `env:"TB_AWS_REGION" description:"the AWS region of the bucket"`
	AWSAccessID       string `env:"TB_AWS_ACCESS_ID" description:"the AWS access key id"`
	AWSAccessKey      string `env:"TB_AWS_ACCESS_KEY" description:"the AWS secret access key"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	level, err := logger.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)
	os.Exit(service.run())
}

// run runs the device until it is stopped. It returns exitRestart after a firmware image
// was stored.
func (s *Service) run() int {
	log := logger.Default()
	policy, err := container.ParsePolicy(s.Policy)
	if err != nil {
		log.WithError(err).Errorln("invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, log = logger.ContextWithLoggerDevice(ctx, s.DeviceName)

	token := s.AccessToken
	if len(token) == 0 {
		if token, err = s.provision(ctx, policy); err != nil {
			log.WithError(err).Errorln("cannot provision device")
			return 1
		}
		log.Infoln("device provisioned, store TB_ACCESS_TOKEN for the next start")
	}

	writer, err := s.firmwareWriter()
	if err != nil {
		log.WithError(err).Errorln("cannot create firmware storage")
		return 1
	}

	t := transport.NewPaho(&transport.PahoBuilder{
		Broker:   s.Broker,
		ClientID: s.ClientID,
		Username: token,
		QoS:      pointers.To(s.QoS),
	})
	if err := t.Connect(); err != nil {
		log.WithError(err).Errorln("cannot connect")
		return 1
	}
	defer t.Disconnect(250 * time.Millisecond)

	exitCode := 0
	c := device.New(&device.Builder{
		Transport: t,
		Timeout:   s.Timeout,
		Policy:    policy,
		Capacity:  s.Capacity,
		Firmware: &device.FirmwareBuilder{
			Writer:    writer,
			Title:     s.FirmwareTitle,
			Version:   s.FirmwareVersion,
			ChunkSize: s.FirmwareChunkSize,
			Progress: func(received, total uint32) {
				log.Debugf("firmware chunk %d of %d", received, total)
			},
			OnUpdated: func() {
				exitCode = exitRestart
				stop()
			},
		},
	})
	defer c.Close()

	c.Methods.Handle("getFirmware", func(json.RawMessage) (interface{}, error) {
		title, version := c.Updater.Current()
		return map[string]string{"title": title, "version": version}, nil
	})

	onResult := func(result ota.Result, err error) {
		if err != nil {
			log.WithError(err).Errorf("firmware check: %s", result)
			return
		}
		log.Infof("firmware check: %s", result)
	}
	if !c.Updater.Subscribe(onResult) || !c.Updater.Check(onResult) {
		log.Errorln("cannot check firmware")
	}

	startedAt := time.Now()
	var telemetry *watchdog.Watchdog
	telemetry = c.Scheduler().New(func() {
		uptime := int64(time.Since(startedAt).Seconds())
		if err := c.SendTelemetry(map[string]int64{"uptime": uptime}); err != nil {
			log.WithError(err).Warnln("cannot send telemetry")
		}
		telemetry.Arm(s.Telemetry)
	})
	defer telemetry.Release()
	telemetry.Arm(time.Millisecond)

	if err := c.Run(ctx); err != nil {
		log.WithError(err).Errorln("device loop failed")
	}
	if exitCode == exitRestart {
		log.Infoln("firmware stored, restarting")
	}
	return exitCode
}

// provision obtains an access token with the provisioning credentials
func (s *Service) provision(ctx context.Context, policy container.Policy) (string, error) {
	if len(s.ProvisionKey) == 0 || len(s.ProvisionSecret) == 0 {
		return "", errors.New("TB_ACCESS_TOKEN or TB_PROVISION_KEY and TB_PROVISION_SECRET are required")
	}
	t := transport.NewPaho(&transport.PahoBuilder{
		Broker:   s.Broker,
		Username: "provision",
		QoS:      pointers.To(s.QoS),
	})
	if err := t.Connect(); err != nil {
		return "", err
	}
	defer t.Disconnect(250 * time.Millisecond)

	c := device.New(&device.Builder{Transport: t, Timeout: s.Timeout, Policy: policy})
	defer c.Close()
	logger.FromContext(ctx).Infof("provisioning via %s", s.Broker)

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 1)
	ok := c.Provisioning.Provision(provision.Request{
		DeviceName:            s.DeviceName,
		ProvisionDeviceKey:    s.ProvisionKey,
		ProvisionDeviceSecret: s.ProvisionSecret,
	}, func(response *provision.Response, err error) {
		if err != nil {
			done <- result{err: err}
			return
		}
		token, err := response.Token()
		done <- result{token: token, err: err}
	})
	if !ok {
		return "", errors.New("cannot send provisioning request")
	}

	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()
	select {
	case r := <-done:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Service) firmwareWriter() (flash.Writer, error) {
	if len(s.FirmwareBucket) == 0 {
		return flash.NewFile(s.FirmwarePath), nil
	}
	return flash.NewS3(&flash.S3Builder{
		Bucket:    s.FirmwareBucket,
		Key:       s.FirmwareKey,
		Region:    s.AWSRegion,
		AccessID:  s.AWSAccessID,
		AccessKey: s.AWSAccessKey,
	})
}
