// Package cmd - команды демонстрационного SIP клиента.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sipclient",
	Short: "sipclient - демонстрационный SIP клиент",
	Long: `sipclient регистрирует учетную запись на SIP сервере и позволяет
позвонить абоненту или отправить текстовое сообщение из командной строки.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(registerCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sipclient.yaml)")
	rootCmd.PersistentFlags().String("domain", "", "SIP registrar domain")
	rootCmd.PersistentFlags().String("username", "", "account username")
	rootCmd.PersistentFlags().String("password", "", "account password")
	rootCmd.PersistentFlags().String("host", "127.0.0.1", "local listen host")
	rootCmd.PersistentFlags().Int("port", 5060, "local listen port")
	rootCmd.PersistentFlags().String("transport", "udp", "transport: udp or tcp")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")

	for _, name := range []string{"domain", "username", "password", "host", "port", "transport", "verbose"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			fmt.Fprintln(os.Stderr, "failed to bind flag:", err)
			os.Exit(1)
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sipclient")
	}

	viper.SetEnvPrefix("SIPCLIENT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
