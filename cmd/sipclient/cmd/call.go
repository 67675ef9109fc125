package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arzzra/sip_client/pkg/signaling"
)

var callSDP string

var callCmd = &cobra.Command{
	Use:   "call <peer-uri>",
	Short: "Позвонить абоненту",
	Long: `Регистрирует учетную запись, звонит указанному абоненту и держит
вызов до Ctrl+C или до отбоя удаленной стороной.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		listener := newConsoleListener(log)

		core, err := buildClient(listener, log)
		if err != nil {
			return err
		}
		defer core.Stop()

		core.Open()
		open := <-listener.opened
		if open.status != signaling.StatusSuccess {
			return fmt.Errorf("open failed: %s: %s", open.status, open.text)
		}

		offer := callSDP
		if offer == "" {
			offer, err = defaultSDPOffer(viper.GetString("host"), viper.GetInt("port")+2)
			if err != nil {
				return err
			}
		}

		callID := core.Call(&signaling.CallParams{
			Peer:     args[0],
			SDPOffer: offer,
		})
		log.Info("calling", "peer", args[0], "callID", callID)

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

		select {
		case <-listener.connected:
		case failed := <-listener.callFailed:
			return fmt.Errorf("call failed: %s: %s", failed.status, failed.text)
		case <-interrupt:
			core.Disconnect(callID, "user interrupt")
			waitDisconnect(listener)
			return nil
		}

		select {
		case <-interrupt:
			core.Disconnect(callID, "user hangup")
			waitDisconnect(listener)
		case <-listener.disconnected:
		case failed := <-listener.callFailed:
			return fmt.Errorf("call failed: %s: %s", failed.status, failed.text)
		}

		core.Close()
		<-listener.closed
		return nil
	},
}

func waitDisconnect(listener *consoleListener) {
	select {
	case <-listener.disconnected:
	case <-listener.callFailed:
	case <-time.After(5 * time.Second):
	}
}

func init() {
	callCmd.Flags().StringVar(&callSDP, "sdp", "", "SDP offer body (prepared by the media layer)")
}
