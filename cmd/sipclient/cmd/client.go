package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/arzzra/sip_client/pkg/signaling"
	"github.com/arzzra/sip_client/pkg/sipstack"
)

// outcome - итог одной асинхронной операции ядра
type outcome struct {
	jobID  string
	status signaling.ErrorCode
	text   string
}

// consoleListener печатает события ядра и транслирует ключевые итоги
// в каналы, на которых ждут команды
type consoleListener struct {
	log *slog.Logger

	opened       chan outcome
	closed       chan outcome
	connected    chan string
	disconnected chan string
	callFailed   chan outcome
	messageDone  chan outcome
}

func newConsoleListener(log *slog.Logger) *consoleListener {
	return &consoleListener{
		log:          log,
		opened:       make(chan outcome, 1),
		closed:       make(chan outcome, 1),
		connected:    make(chan string, 1),
		disconnected: make(chan string, 1),
		callFailed:   make(chan outcome, 1),
		messageDone:  make(chan outcome, 1),
	}
}

func (l *consoleListener) OnOpenReply(jobID string, connectivity signaling.ConnectivityState, status signaling.ErrorCode, text string) {
	l.log.Info("device opened",
		slog.String("connectivity", connectivity.String()),
		slog.String("status", status.String()),
		slog.String("text", text))
	l.opened <- outcome{jobID, status, text}
}

func (l *consoleListener) OnCloseReply(jobID string, status signaling.ErrorCode, text string) {
	l.log.Info("device closed", slog.String("status", status.String()))
	l.closed <- outcome{jobID, status, text}
}

func (l *consoleListener) OnReconfigureReply(jobID string, connectivity signaling.ConnectivityState, status signaling.ErrorCode, text string) {
	l.log.Info("device reconfigured",
		slog.String("connectivity", connectivity.String()),
		slog.String("status", status.String()))
}

func (l *consoleListener) OnConnectivityEvent(jobID string, connectivity signaling.ConnectivityState) {
	l.log.Info("connectivity changed", slog.String("connectivity", connectivity.String()))
}

func (l *consoleListener) OnRegisteringEvent(jobID string) {
	l.log.Debug("registration refresh started", slog.String("jobID", jobID))
}

func (l *consoleListener) OnCallArrived(jobID, peer, sdpOffer string, headers map[string]string) {
	l.log.Info("incoming call", slog.String("callID", jobID), slog.String("peer", peer))
}

func (l *consoleListener) OnCallOutgoingConnected(jobID, sdpAnswer string, headers map[string]string) {
	l.log.Info("call connected", slog.String("callID", jobID))
	l.connected <- sdpAnswer
}

func (l *consoleListener) OnCallIncomingConnected(jobID string) {
	l.log.Info("incoming call connected", slog.String("callID", jobID))
}

func (l *consoleListener) OnCallPeerDisconnected(jobID string) {
	l.log.Info("peer disconnected", slog.String("callID", jobID))
	l.disconnected <- jobID
}

func (l *consoleListener) OnCallLocalDisconnected(jobID string) {
	l.log.Info("call disconnected", slog.String("callID", jobID))
	l.disconnected <- jobID
}

func (l *consoleListener) OnCallIncomingCancelled(jobID string) {
	l.log.Info("incoming call cancelled", slog.String("callID", jobID))
}

func (l *consoleListener) OnCallError(jobID string, status signaling.ErrorCode, text string) {
	l.log.Error("call failed",
		slog.String("callID", jobID),
		slog.String("status", status.String()),
		slog.String("text", text))
	l.callFailed <- outcome{jobID, status, text}
}

func (l *consoleListener) OnCallDigitsSent(jobID string, status signaling.ErrorCode, text string) {
	l.log.Info("digits sent", slog.String("status", status.String()))
}

func (l *consoleListener) OnMessageArrived(jobID, peer, text string) {
	l.log.Info("message arrived", slog.String("peer", peer), slog.String("text", text))
}

func (l *consoleListener) OnMessageReply(jobID string, status signaling.ErrorCode, text string) {
	l.log.Info("message reply", slog.String("status", status.String()))
	l.messageDone <- outcome{jobID, status, text}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildClient собирает стек и ядро из конфигурации viper
func buildClient(listener signaling.Listener, log *slog.Logger) (*signaling.Core, error) {
	stack := sipstack.New(sipstack.Config{
		Host:      viper.GetString("host"),
		Port:      viper.GetInt("port"),
		Transport: viper.GetString("transport"),
		Logger:    log,
	})

	cfg := &signaling.Config{
		Domain:   viper.GetString("domain"),
		Username: viper.GetString("username"),
		Password: viper.GetString("password"),
		Logger:   log,
	}

	core, err := signaling.New(cfg, stack, listener)
	if err != nil {
		return nil, err
	}
	stack.SetSink(core)

	core.Start()
	core.ConnectivityChanged(signaling.ConnectivityWiFi)
	return core, nil
}
