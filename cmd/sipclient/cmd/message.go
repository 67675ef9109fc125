package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arzzra/sip_client/pkg/signaling"
)

var messageCmd = &cobra.Command{
	Use:   "message <peer-uri> <text>...",
	Short: "Отправить текстовое сообщение",
	Args:  cobra.MinimumNArgs(2),
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

		core.SendMessage(args[0], strings.Join(args[1:], " "))
		reply := <-listener.messageDone
		if reply.status != signaling.StatusSuccess {
			return fmt.Errorf("message failed: %s: %s", reply.status, reply.text)
		}

		core.Close()
		<-listener.closed
		return nil
	},
}
