package ouroboros

import (
	"github.com/adamjohannes/ouroboros/src/config"
	"github.com/adamjohannes/ouroboros/src/net"
	"github.com/adamjohannes/ouroboros/src/node"
	"github.com/adamjohannes/ouroboros/src/service"
	"github.com/sirupsen/logrus"
)

// Ouroboros is a single ring node process: configuration, transport, the
// protocol engine, and the optional status service.
type Ouroboros struct {
	Config    *config.Config
	Node      *node.Node
	Transport *net.Transport
	Service   *service.Service

	logger *logrus.Entry
}

// NewOuroboros is a factory method that returns an uninitialised node
// process with a config object.
func NewOuroboros(config *config.Config) *Ouroboros {
	engine := &Ouroboros{
		Config: config,
		logger: config.Logger(),
	}

	return engine
}

func (o *Ouroboros) initTransport() error {
	transport, err := net.NewTCPTransport(
		config.NormalizeAddr(o.Config.BindAddr),
		o.Config.DialTimeout,
		o.Config.AckTimeout,
		o.logger,
	)

	if err != nil {
		return err
	}

	o.Transport = transport

	return nil
}

func (o *Ouroboros) initNode() error {
	o.Node = node.NewNode(o.Config, o.Transport)

	return o.Node.Init()
}

func (o *Ouroboros) initService() error {
	if !o.Config.NoService {
		o.Service = service.NewService(o.Config.ServiceAddr, o.Node, o.logger)
	}

	return nil
}

// Init binds the transport and initialises the node and the status service.
// A bind failure is fatal; everything after it is best-effort.
func (o *Ouroboros) Init() error {
	if err := o.initTransport(); err != nil {
		return err
	}

	if err := o.initNode(); err != nil {
		return err
	}

	if err := o.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the status service and serves the ring protocol. It does not
// return until the node is shut down.
func (o *Ouroboros) Run() {
	if o.Service != nil {
		go o.Service.Serve()
	}

	o.Node.Run()
}
