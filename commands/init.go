package commands

import "github.com/pmoor/gletscher/config"

// InitOptions holds the AWS fields `init` collects.
type InitOptions struct {
	Dir             string
	Region          string
	AccountID       string
	AccessKey       string
	SecretAccessKey string
	VaultName       string
}

// Init creates the configuration directory, draws the backup identity,
// and prepares the index/catalogs/tmp subdirectories. cmd/gletscher
// collects InitOptions from its flags before calling this.
func Init(opts InitOptions) (*config.Config, error) {
	return config.Init(opts.Dir, opts.Region, opts.AccountID, opts.AccessKey, opts.SecretAccessKey, opts.VaultName)
}
