package cmd

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"me.sttot/certbot-k8s/src/controllers"
)

var actionCmd = &cobra.Command{
	Use:   "action",
	Short: "Run an operator action",
}

var getSecretNameCmd = &cobra.Command{
	Use:   "get-secret-name",
	Short: "Print the name of the Secret holding the issued certificate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnvironment(global)
		if err != nil {
			return err
		}
		name, err := controllers.NewActionController(env.configService, env.certificateService).GetSecretName(cmd.Context())
		if err != nil {
			return err
		}
		return writeResult(cmd.OutOrStdout(), name)
	},
}

var renewCertificateCmd = &cobra.Command{
	Use:   "renew-certificate",
	Short: "Issue a new certificate for the configured hostname and replace the Secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newEnvironment(global)
		if err != nil {
			return err
		}
		rc := controllers.NewRenewalController(env.configService, env.certificateService, env.ingressService, env.certbotService, nil)
		result, err := rc.RenewCertificate(cmd.Context())
		if err != nil {
			return err
		}
		return writeResult(cmd.OutOrStdout(), result)
	},
}

func init() {
	actionCmd.AddCommand(getSecretNameCmd)
	actionCmd.AddCommand(renewCertificateCmd)
}

// writeResult 以YAML输出 action 结果
func writeResult(w io.Writer, result string) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(map[string]string{"result": result})
}
