package registry

// builtinModules is the shipped module graph. Commands are deliberately
// thin package-manager and installer wrappers; the orchestration value is
// in the undo commands, the affected paths, and the dependency edges.
const builtinModules = `
modules: [
	{
		id:              "sudo_check"
		category:        "system"
		phase:           "preflight"
		default_enabled: true
		steps: [{
			description: "verify passwordless sudo"
			command:     "sudo -n true"
			category:    "command"
			severity:    "low"
		}]
	},
	{
		id:              "base_packages"
		category:        "system"
		phase:           "system_packages"
		default_enabled: true
		tags: ["core"]
		steps: [{
			description: "install base packages"
			command:     "apt-get install -y curl git unzip ca-certificates"
			undo:        "apt-get remove -y curl git unzip"
			elevated:    true
			category:    "package"
			severity:    "medium"
		}]
	},
	{
		id:              "build_essentials"
		category:        "system"
		phase:           "system_packages"
		default_enabled: true
		dependencies: ["base_packages"]
		tags: ["core"]
		steps: [{
			description: "install build toolchain"
			command:     "apt-get install -y build-essential pkg-config libssl-dev"
			undo:        "apt-get remove -y build-essential pkg-config libssl-dev"
			elevated:    true
			category:    "package"
			severity:    "medium"
		}]
	},
	{
		id:              "dev_group"
		category:        "system"
		phase:           "user_setup"
		default_enabled: true
		steps: [{
			description: "add user to dev group"
			command:     "groupadd -f dev && usermod -aG dev $USER"
			undo:        "gpasswd -d $USER dev"
			elevated:    true
			category:    "config"
			severity:    "low"
		}]
	},
	{
		id:              "workspace_dirs"
		category:        "system"
		phase:           "filesystem"
		default_enabled: true
		steps: [{
			description: "create workspace directory layout"
			command:     "mkdir -p $HOME/workspace $HOME/.local/bin"
			undo:        "rmdir $HOME/workspace"
			category:    "directory"
			severity:    "low"
			files_affected: ["$HOME/workspace"]
		}]
	},
	{
		id:              "zsh"
		category:        "shell"
		phase:           "shell_setup"
		default_enabled: true
		dependencies: ["base_packages"]
		steps: [
			{
				description: "install zsh"
				command:     "apt-get install -y zsh"
				undo:        "apt-get remove -y zsh"
				elevated:    true
				category:    "package"
				severity:    "medium"
			},
			{
				description: "set zsh as login shell"
				command:     "chsh -s /usr/bin/zsh $USER"
				undo:        "chsh -s /bin/bash $USER"
				elevated:    true
				category:    "config"
				severity:    "high"
				files_affected: ["/etc/passwd"]
			},
		]
	},
	{
		id:              "starship"
		category:        "shell"
		phase:           "shell_setup"
		default_enabled: true
		dependencies: ["zsh"]
		tags: ["cosmetic"]
		steps: [{
			description: "install starship prompt"
			command:     "sh -s -- -y -b $HOME/.local/bin"
			fetch_ref:   "https://starship.rs/install.sh"
			undo:        "rm -f $HOME/.local/bin/starship"
			category:    "file"
			severity:    "low"
			files_affected: ["$HOME/.local/bin/starship"]
		}]
	},
	{
		id:              "nvm"
		category:        "runtime"
		phase:           "runtimes"
		default_enabled: true
		dependencies: ["base_packages"]
		tags: ["js"]
		steps: [{
			description: "install nvm"
			command:     "bash"
			fetch_ref:   "https://raw.githubusercontent.com/nvm-sh/nvm/v0.40.1/install.sh"
			undo:        "rm -rf $HOME/.nvm"
			category:    "file"
			severity:    "medium"
			files_affected: ["$HOME/.nvm", "$HOME/.bashrc"]
		}]
	},
	{
		id:              "node"
		category:        "runtime"
		phase:           "runtimes"
		default_enabled: true
		dependencies: ["nvm"]
		tags: ["js"]
		steps: [{
			description: "install node lts"
			command:     ". $HOME/.nvm/nvm.sh && nvm install --lts && nvm alias default lts/*"
			undo:        ". $HOME/.nvm/nvm.sh && nvm uninstall --lts"
			category:    "package"
			severity:    "medium"
		}]
	},
	{
		id:              "pnpm"
		category:        "runtime"
		phase:           "runtimes"
		default_enabled: true
		dependencies: ["node"]
		tags: ["js"]
		steps: [{
			description: "enable pnpm via corepack"
			command:     ". $HOME/.nvm/nvm.sh && corepack enable pnpm"
			undo:        ". $HOME/.nvm/nvm.sh && corepack disable pnpm"
			category:    "package"
			severity:    "low"
		}]
	},
	{
		id:              "rust"
		category:        "runtime"
		phase:           "runtimes"
		default_enabled: false
		dependencies: ["build_essentials"]
		tags: ["rust"]
		steps: [{
			description: "install rust toolchain"
			command:     "sh -s -- -y --no-modify-path"
			fetch_ref:   "https://sh.rustup.rs"
			undo:        "$HOME/.cargo/bin/rustup self uninstall -y"
			category:    "file"
			severity:    "medium"
			files_affected: ["$HOME/.cargo", "$HOME/.rustup"]
		}]
	},
	{
		id:              "ripgrep"
		category:        "cli"
		phase:           "cli_tools"
		default_enabled: true
		dependencies: ["base_packages"]
		steps: [{
			description: "install ripgrep"
			command:     "apt-get install -y ripgrep"
			undo:        "apt-get remove -y ripgrep"
			elevated:    true
			category:    "package"
			severity:    "low"
		}]
	},
	{
		id:              "jq"
		category:        "cli"
		phase:           "cli_tools"
		default_enabled: true
		dependencies: ["base_packages"]
		steps: [{
			description: "install jq"
			command:     "apt-get install -y jq"
			undo:        "apt-get remove -y jq"
			elevated:    true
			category:    "package"
			severity:    "low"
		}]
	},
	{
		id:              "gh"
		category:        "cli"
		phase:           "cli_tools"
		default_enabled: true
		dependencies: ["base_packages"]
		steps: [{
			description: "install github cli"
			command:     "apt-get install -y gh"
			undo:        "apt-get remove -y gh"
			elevated:    true
			category:    "package"
			severity:    "low"
		}]
	},
	{
		id:              "code_agent"
		category:        "agent"
		phase:           "agents"
		default_enabled: true
		dependencies: ["node"]
		steps: [{
			description: "install coding agent"
			command:     ". $HOME/.nvm/nvm.sh && npm install -g @anthropic-ai/claude-code"
			undo:        ". $HOME/.nvm/nvm.sh && npm uninstall -g @anthropic-ai/claude-code"
			category:    "package"
			severity:    "medium"
		}]
	},
	{
		id:              "aws_cli"
		category:        "cloud"
		phase:           "cloud_clients"
		default_enabled: false
		dependencies: ["base_packages"]
		tags: ["cloud"]
		steps: [{
			description: "install aws cli"
			command:     "curl -fsSL https://awscli.amazonaws.com/awscli-exe-linux-x86_64.zip -o /tmp/awscliv2.zip && unzip -oq /tmp/awscliv2.zip -d /tmp && /tmp/aws/install"
			undo:        "rm -rf /usr/local/aws-cli /usr/local/bin/aws"
			elevated:    true
			category:    "file"
			severity:    "medium"
			files_affected: ["/usr/local/aws-cli"]
		}]
	},
	{
		id:              "apt_cleanup"
		category:        "system"
		phase:           "finalize"
		default_enabled: true
		steps: [{
			description: "clean package caches"
			command:     "apt-get autoremove -y && apt-get clean"
			elevated:    true
			category:    "command"
			severity:    "low"
		}]
	},
]
`
