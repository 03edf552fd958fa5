package sse

// Algorithm values accepted in Params.ServerSideAlgorithm and
// Params.CustomerKeyAlgorithm.
const (
	AlgorithmAES256            = "AES256"
	AlgorithmExternallyManaged = "externally-managed"
	AlgorithmAWSKMS            = "aws:kms"
)

// Params are the encryption parameters a caller attaches to a request.
type Params struct {
	ServerSideAlgorithm  string
	CustomerKey          []byte
	CustomerKeyAlgorithm string
	CustomerKeyChecksum  string
	ExternalKeyID        string
}

// IsEmpty reports whether no encryption parameter was supplied.
func (p Params) IsEmpty() bool {
	return p.ServerSideAlgorithm == "" && p.ExternalKeyID == "" && !p.hasCustomer()
}

func (p Params) hasCustomer() bool {
	return len(p.CustomerKey) > 0 || p.CustomerKeyAlgorithm != "" || p.CustomerKeyChecksum != ""
}
