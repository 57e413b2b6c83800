package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"pewalk/pkg/pe"
)

var (
	cfgFile string
	log     = logrus.New()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pewalk",
	Short: "Inspect PE images",
	Long: `Inspect the PE images loaded in this process or stored in files.

pewalk finds loaded modules by name, locates sections and resolves exports,
following forwarded exports from one module into the next. Nothing is
loaded or executed; images are only read.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file")
	flags.BoolP("debug", "D", false, "Enable debug messages")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "text", "Log format, text or json")
	flags.Int("max-forward-depth", pe.DefaultMaxForwardDepth, "Longest chain of forwarded exports to follow")
	flags.String("code-page", "windows-1252", "Code page narrow module names are written in")
	flags.Bool("loader-lock", false, "Hold the loader lock while walking the module list")
	viper.BindPFlags(flags)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).Fatal("Unable to read config file")
		}
	}

	viper.SetEnvPrefix("pewalk")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		log.WithError(err).Fatal("Invalid log level")
	}
	if viper.GetBool("debug") {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	if viper.GetString("log-format") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}

func codePage(name string) (encoding.Encoding, error) {
	cp, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("code page %q is not supported", name)
	}
	return cp, nil
}

// inspectorOptions turns the configuration into pe options.
func inspectorOptions() ([]pe.Option, error) {
	cp, err := codePage(viper.GetString("code-page"))
	if err != nil {
		return nil, err
	}
	return []pe.Option{
		pe.WithLogger(log.WithField("subsys", "pe")),
		pe.WithMaxForwardDepth(viper.GetInt("max-forward-depth")),
		pe.WithCodePage(cp),
		pe.WithLoaderLock(viper.GetBool("loader-lock")),
	}, nil
}
