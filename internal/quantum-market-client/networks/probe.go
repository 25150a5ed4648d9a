package networks

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
)

// ProbeRPC asks an endpoint which chain it serves and resolves that chain
// against the metadata table. Only eth_chainId is mandatory.
func (m *Manager) ProbeRPC(ctx context.Context, rpcURL string) (ProbeResult, error) {
	out := ProbeResult{RpcUrl: strings.TrimSpace(rpcURL)}
	if out.RpcUrl == "" {
		return out, errors.New("missing rpcUrl")
	}

	u, err := url.Parse(out.RpcUrl)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return out, errors.New("invalid rpcUrl")
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return out, errors.Newf("unsupported rpcUrl scheme: %s", u.Scheme)
	}

	// small timeout so UI feels snappy
	ctx, cancel := context.WithTimeout(ctx, constants.RPCTimeout)
	defer cancel()

	client, err := rpc.DialContext(ctx, out.RpcUrl)
	if err != nil {
		return out, errors.Wrapf(err, "dial %s", out.RpcUrl)
	}
	defer client.Close()

	var chainID hexutil.Uint64
	if err := client.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
		return out, errors.Wrap(err, "eth_chainId")
	}
	out.ChainID = uint64(chainID)

	// net_version is a decimal string
	var version string
	if err := client.CallContext(ctx, &version, "net_version"); err == nil {
		if v, perr := strconv.ParseUint(strings.TrimSpace(version), 10, 64); perr == nil {
			out.NetworkID = v
		}
	}
	if out.NetworkID == 0 {
		out.NetworkID = out.ChainID
	}

	var clientVersion string
	if err := client.CallContext(ctx, &clientVersion, "web3_clientVersion"); err == nil {
		out.ClientVersion = strings.TrimSpace(clientVersion)
	}

	var head hexutil.Uint64
	if err := client.CallContext(ctx, &head, "eth_blockNumber"); err == nil {
		out.LatestBlock = uint64(head)
	}

	out.Metadata = Resolve(out.NetworkID, m.Table())
	out.DisplayName = DisplayName(out.Metadata, out.NetworkID)
	out.IsTestnet = IsTestnet(out.Metadata)

	return out, nil
}
