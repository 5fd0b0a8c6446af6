package app

import "fmt"

// reloadKeys re-reads the configured keys file and hot-swaps it into the
// default tenant's Key Manager. Existing per-key counters and circuit
// state survive for keys present in both the old and new file.
func (a *Application) reloadKeys() error {
	kf, err := loadKeysFile(a.cfg.KeyManager.KeysFile)
	if err != nil {
		return fmt.Errorf("reloading keys file: %w", err)
	}

	mgr, ok := a.tenantKeys.Load("")
	if !ok {
		return fmt.Errorf("no default tenant key manager to reload")
	}
	if err := mgr.Reload("", kf.Keys); err != nil {
		return fmt.Errorf("reloading key manager: %w", err)
	}
	a.keySecrets = kf.Keys
	a.log.Info("keys reloaded", "count", len(kf.Keys))
	return nil
}
