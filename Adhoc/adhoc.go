package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"DetCurator/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string   `json:"id"`
	IP        string   `json:"ip"`
	Port      int      `json:"port"`
	RPCPort   int      `json:"rpcPort,omitempty"`
	Models    []string `json:"models"`
	TimeStamp int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Node describes this process to the registration server.
type Node struct {
	IP       string
	Port     int
	RPCPort  int
	Models   []string
	Interval time.Duration
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) url() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// GetOutboundIP returns the local address used to reach the outside. No
// packet is sent: dialing UDP only resolves the route.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// SendAliveMessage registers node with reg immediately and then on every
// tick until ctx is cancelled. Failures are logged and retried on the next
// tick.
func SendAliveMessage(ctx context.Context, wg *sync.WaitGroup, reg RegServerConfig, node Node) {
	defer wg.Done()
	interval := node.Interval
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second)
	id := uuid.NewString()
	url := reg.url()
	log := logger.Named("adhoc")

	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		var respBody RegisterResponse
		reqBody := RegisterRequest{
			Id:        id,
			IP:        node.IP,
			Port:      node.Port,
			RPCPort:   node.RPCPort,
			Models:    node.Models,
			TimeStamp: time.Now().Unix(),
		}
		resp, err := client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(reqBody).
			SetResult(&respBody).
			Post(url)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("register request failed", zap.String("url", url), zap.Error(err))
			}
			return
		}
		if resp.IsError() {
			log.Error("register server returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
			return
		}
		if !respBody.Success {
			log.Warn("registration rejected", zap.String("id", id))
		}
	}

	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			log.Info("SendAliveMessage context cancelled, exiting goroutine")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
