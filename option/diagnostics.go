package option

type DiagnosticsOptions struct {
	Listen string `json:"listen,omitempty"`
	Secret string `json:"secret,omitempty"`
}
