package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mirrord/mirrord/internal/svc"
)

var (
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage mirrord as a system service",
		Long: `Install, control, and inspect mirrord as a system service
(systemd on Linux, launchd on macOS, the Service Control Manager on Windows).

Examples:
  sudo mirrord service install -c /etc/mirrord/mirrord.yaml
  sudo mirrord service start
  mirrord service status
  sudo mirrord service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "service name")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install mirrord as a service started at boot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			// Fail early on a config the daemon would reject at boot.
			if _, err := loadConfig(); err != nil {
				return err
			}
			if err := svc.Install(cfg, forceInstall); err != nil {
				return err
			}
			fmt.Printf("Service %q installed\n", cfg.Name)
			fmt.Printf("Start it with: sudo mirrord service start --name %s\n", cfg.Name)
			return nil
		},
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the mirrord service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(serviceConfig()); err != nil {
				return err
			}
			fmt.Printf("Service %q uninstalled\n", serviceName)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the mirrord service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				if err := svc.Control(serviceConfig(), action); err != nil {
					return err
				}
				fmt.Printf("Service %q: %s ok\n", serviceName, action)
				return nil
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service manager's view of mirrord",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status(serviceConfig())
			if err != nil {
				return err
			}
			fmt.Printf("Service: %s\n", serviceName)
			fmt.Printf("Status:  %s\n", status)
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View service logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(runtime.GOOS, svc.LogOptions{
				ServiceName: serviceName,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.Config {
	return &svc.Config{
		Name:       serviceName,
		ConfigPath: cfgFile,
		UserName:   serviceUser,
	}
}
