package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerAppTools registers package, script and download tools
func (s *MCPServer) registerAppTools() {
	// package_list
	s.server.AddTool(
		mcp.NewTool("package_list",
			mcp.WithDescription("List installed packages with their APK paths. The list is cached; set refresh to query the device again"),
			mcp.WithString("filter",
				mcp.Description("Case-insensitive substring matched against the APK name and path"),
			),
			mcp.WithBoolean("refresh",
				mcp.Description("Re-run `pm list packages -f` on the device (default: true when nothing is cached)"),
			),
		),
		s.handlePackageList,
	)

	// script_push_run
	s.server.AddTool(
		mcp.NewTool("script_push_run",
			mcp.WithDescription("Push a local extraction script to the device and run it. The script must print `Extracted: <path>.apk`"),
			mcp.WithString("script",
				mcp.Required(),
				mcp.Description("Local path of the script"),
			),
			mcp.WithString("target",
				mcp.Description("Argument passed to the script, usually a package name"),
			),
			mcp.WithString("remote",
				mcp.Description("Device path to push to (default /data/local/tmp/extract-apk.sh)"),
			),
		),
		s.handleScriptPushRun,
	)

	// script_run
	s.server.AddTool(
		mcp.NewTool("script_run",
			mcp.WithDescription("Run an extraction script that is already on the device"),
			mcp.WithString("target",
				mcp.Description("Argument passed to the script, usually a package name"),
			),
			mcp.WithString("remote",
				mcp.Description("Device path of the script (default /data/local/tmp/extract-apk.sh)"),
			),
		),
		s.handleScriptRun,
	)

	// apk_download
	s.server.AddTool(
		mcp.NewTool("apk_download",
			mcp.WithDescription("Pull a file from the device. Without a remote path the last extracted APK is pulled; split bundles are unpacked to base.apk"),
			mcp.WithString("remote",
				mcp.Description("Device path to pull (default: the extracted APK)"),
			),
			mcp.WithString("local",
				mcp.Description("Local file or directory (default: the download directory)"),
			),
		),
		s.handleApkDownload,
	)

	// operations_cancel
	s.server.AddTool(
		mcp.NewTool("operations_cancel",
			mcp.WithDescription("Cancel every pending operation. A connected device stays connected"),
		),
		s.handleOperationsCancel,
	)
}

func (s *MCPServer) handlePackageList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	filter := stringArg(args, "filter")

	refresh, set := args["refresh"].(bool)
	if !set {
		refresh = s.app.Status().Packages == 0
	}
	if refresh {
		if _, err := s.app.ListPackages(ctx); err != nil {
			return nil, fmt.Errorf("failed to list packages: %w", err)
		}
	}

	pkgs := s.app.Packages(filter)
	if len(pkgs) == 0 {
		if filter != "" {
			return textResult(fmt.Sprintf("No packages match %q", filter), nil), nil
		}
		return textResult("No packages found", nil), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d package(s):\n", len(pkgs))
	for _, p := range pkgs {
		fmt.Fprintf(&b, "- %s  %s\n", p.Package, p.RemotePath)
	}
	return textResult(b.String(), pkgs), nil
}

func (s *MCPServer) handleScriptPushRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	script := stringArg(args, "script")
	if script == "" {
		return nil, fmt.Errorf("script is required")
	}

	res, err := s.app.PushAndRun(ctx, script, stringArg(args, "remote"), stringArg(args, "target"))
	if err != nil {
		return nil, fmt.Errorf("failed to push and run script: %w", err)
	}
	return textResult(describeScript(res), res), nil
}

func (s *MCPServer) handleScriptRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	res, err := s.app.RunScript(ctx, stringArg(args, "remote"), stringArg(args, "target"))
	if err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}
	return textResult(describeScript(res), res), nil
}

func (s *MCPServer) handleApkDownload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	res, err := s.app.Download(ctx, stringArg(args, "remote"), stringArg(args, "local"))
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}

	summary := fmt.Sprintf("Downloaded %s to %s (%d bytes)", res.RemotePath, res.LocalPath, res.Bytes)
	if o := res.Outcome; o != nil {
		if o.Complete() {
			summary += "\nBundle unpacked: " + o.PrimaryPackagePath
		} else {
			summary += "\nBundle incomplete: " + strings.Join(o.Warnings, "; ")
		}
	}
	return textResult(summary, res), nil
}

func (s *MCPServer) handleOperationsCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := s.app.Cancel()
	if n == 0 {
		return textResult("Nothing was pending", nil), nil
	}
	return textResult(fmt.Sprintf("Canceled %d operation(s)", n), nil), nil
}

func describeScript(res ScriptResult) string {
	if !res.Ready {
		return "Script finished but printed no `Extracted: <path>.apk` line; nothing is ready to download.\n\n" + res.Stdout
	}
	return "APK extracted on device: " + res.ArtifactPath
}
