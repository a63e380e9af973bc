package systemd

import "fmt"

// UnitPath is where init --install-systemd writes the gateway unit.
const UnitPath = "/etc/systemd/system/hivegate.service"

// Unit describes the installed gateway service.
type Unit struct {
	Binary     string
	ConfigPath string
	DataDir    string
	User       string
}

// ServeTemplate returns the unit file for hivegate serve. The data
// directory is the only writable path: receipts, locks, pending
// confirmations and the node key live there.
func ServeTemplate(u Unit) string {
	if u.Binary == "" {
		u.Binary = "/usr/local/bin/hivegate"
	}
	if u.User == "" {
		u.User = "hivegate"
	}
	return fmt.Sprintf(`[Unit]
Description=hivegate Lightning node-management gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=%[4]s
ExecStart=%[1]s serve --config %[2]s
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=2
ReadWritePaths=%[3]s
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
ProtectKernelTunables=true
RestrictNamespaces=true
MemoryDenyWriteExecute=true
LimitNOFILE=4096

[Install]
WantedBy=multi-user.target
`, u.Binary, u.ConfigPath, u.DataDir, u.User)
}
