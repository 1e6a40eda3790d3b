package tools

// PathArgKeys lists the argument names that carry a filesystem or remote path.
var PathArgKeys = []string{
	"path", "local_path", "remote_path", "from", "to", "destination",
	"archive_path", "output_path", "paths",
}

func pathParam(name, desc string) Parameter {
	return Parameter{Name: name, Type: "string", Description: desc, Required: true}
}

// BuiltinDefinitions returns the built-in tool catalogue.
func BuiltinDefinitions() []Definition {
	read := func(name, desc string, params ...Parameter) Definition {
		return Definition{Name: name, Description: desc, Parameters: params, Danger: DangerSafe, Origin: OriginBuiltin}
	}
	write := func(name, desc string, danger DangerLevel, params ...Parameter) Definition {
		return Definition{Name: name, Description: desc, Parameters: params, Danger: danger, Origin: OriginBuiltin, Mutating: true}
	}
	pattern := Parameter{Name: "pattern", Type: "string", Description: "glob or substring to match", Required: true}

	return []Definition{
		read("local_list", "List a local directory", pathParam("path", "directory to list")),
		read("local_read", "Read a local text file", pathParam("path", "file to read")),
		read("local_search", "Search a local directory for matching names", pathParam("path", "directory to search"), pattern),
		read("remote_list", "List a remote directory", pathParam("path", "remote directory")),
		read("remote_read", "Read a remote text file", pathParam("path", "remote file")),
		read("remote_search", "Search a remote directory for matching names", pathParam("path", "remote directory"), pattern),
		read("remote_info", "Show metadata for a remote path", pathParam("path", "remote path")),
		read("sync_preview", "Compare a local and remote directory without changing anything",
			pathParam("local_path", "local directory"), pathParam("remote_path", "remote directory")),
		read("memory_read", "Read the project memory notes"),

		write("local_write", "Write content to a local file", DangerMedium,
			pathParam("path", "file to write"), Parameter{Name: "content", Type: "string", Required: true}),
		write("local_edit", "Find and replace text in a local file", DangerMedium,
			pathParam("path", "file to edit"),
			Parameter{Name: "find", Type: "string", Required: true},
			Parameter{Name: "replace", Type: "string", Required: true},
			Parameter{Name: "replace_all", Type: "boolean"}),
		write("local_mkdir", "Create a local directory", DangerMedium, pathParam("path", "directory to create")),
		write("local_rename", "Rename or move a local path", DangerMedium, pathParam("from", "source"), pathParam("to", "destination")),
		write("remote_upload", "Upload a local file", DangerMedium, pathParam("local_path", "source file"), pathParam("remote_path", "destination")),
		write("remote_download", "Download a remote file", DangerMedium, pathParam("remote_path", "source file"), pathParam("local_path", "destination")),
		write("remote_mkdir", "Create a remote directory", DangerMedium, pathParam("path", "directory to create")),
		write("remote_rename", "Rename or move a remote path", DangerMedium, pathParam("from", "source"), pathParam("to", "destination")),
		write("remote_edit", "Find and replace text in a remote file", DangerMedium,
			pathParam("path", "remote file"),
			Parameter{Name: "find", Type: "string", Required: true},
			Parameter{Name: "replace", Type: "string", Required: true}),
		write("upload_files", "Upload several local files", DangerMedium,
			Parameter{Name: "paths", Type: "array", Required: true}, pathParam("remote_path", "destination directory")),
		write("download_files", "Download several remote files", DangerMedium,
			Parameter{Name: "paths", Type: "array", Required: true}, pathParam("local_path", "destination directory")),
		write("archive_create", "Create an archive from local paths", DangerMedium,
			Parameter{Name: "paths", Type: "array", Required: true}, pathParam("output_path", "archive to create")),
		write("archive_extract", "Extract a local archive", DangerMedium,
			pathParam("archive_path", "archive to extract"), pathParam("output_path", "destination directory")),
		write("memory_write", "Append a note to the project memory", DangerMedium,
			Parameter{Name: "entry", Type: "string", Required: true}),

		write("local_delete", "Delete a local file or directory", DangerHigh, pathParam("path", "path to delete")),
		write("remote_delete", "Delete a remote file or directory", DangerHigh, pathParam("path", "remote path to delete")),
		{
			Name:        "shell_execute",
			Description: "Run a shell command in the workspace",
			Parameters:  []Parameter{{Name: "command", Type: "string", Required: true}},
			Danger:      DangerHigh,
			Origin:      OriginBuiltin,
			Mutating:    true,
			Exclusive:   true,
		},
	}
}
