package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arzzra/sip_client/pkg/signaling"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Зарегистрироваться и ждать входящих событий",
	Long: `Регистрирует учетную запись и остается на линии: входящие вызовы
и сообщения печатаются в лог. Завершение по Ctrl+C с де-регистрацией.`,
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
		log.Info("registered, waiting for incoming calls and messages")

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		<-interrupt

		core.Close()
		<-listener.closed
		return nil
	},
}
