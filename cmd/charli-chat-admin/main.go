package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charli-chat/charli-chat/auth"
	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/persistence"
	"github.com/charli-chat/charli-chat/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// A very simple CLI tool for the administration of charli-chat users, rooms
// and memberships.

var configPath = pflag.StringP("config", "c", "", "path to config file or directory")

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms or users",
		Long:  `show is for printing user or room information with a given user/room id.`,
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all available rooms.`,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints the full room snapshot including members and recent messages.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			snapshot, err := persister.RoomSnapshot(args[0], globalConfig.HistoryConfig.HistorySize)
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			printJSON(snapshot)
		},
	}
	var cmdShowUsers = &cobra.Command{
		Use:   "users",
		Short: "Show users",
		Long:  `show users lists all available users.`,
		Run: func(cmd *cobra.Command, args []string) {
			users, err := persister.GetUsers()
			if err != nil {
				globals.AppLogger.Error("could not get users", "error", err)
				return
			}
			printJSON(users)
		},
	}
	var cmdShowUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Show user",
		Long:  `show user prints detail information about the user with the given id.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			if err := persister.GetUser(&user); err != nil {
				globals.AppLogger.Error("could not get user", "error", err)
				return
			}
			printJSON(user)
		},
	}

	var cmdSet = &cobra.Command{
		Use:   "set",
		Short: "Create/update room or user",
		Long:  `set creates or updates a room or user.`,
	}
	var cmdSetRoom = &cobra.Command{
		Use:   "room [room definition]",
		Short: "Set room",
		Long:  `set room creates or updates a room. If the room definition is "-", the definition is read from STDIN.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{}
			if err := decodeArg(args[0], &room); err != nil {
				globals.AppLogger.Error("could not decode room", "error", err)
				return
			}
			if room.Id == "" {
				room.Id = uuid.NewString()
			}
			if err := persister.StoreRoom(room); err != nil {
				globals.AppLogger.Error("could not store room", "error", err)
				return
			}
			fmt.Println(room.Id)
		},
	}
	var cmdSetUser = &cobra.Command{
		Use:   "user [user definition]",
		Short: "Set user",
		Long: `set user creates or updates a user with the given definition. If the user
definition is "-", it is read from STDIN. A plaintext "password" field is
hashed before storing.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var user struct {
				types.User
				Password string `json:"password"`
			}
			if err := decodeArg(args[0], &user); err != nil {
				globals.AppLogger.Error("could not decode user", "error", err)
				return
			}
			if user.Id == "" {
				user.Id = uuid.NewString()
			}
			if user.Password != "" {
				hash, err := auth.HashPassword(user.Password)
				if err != nil {
					globals.AppLogger.Error("could not hash password", "error", err)
					return
				}
				user.User.Password = hash
			}
			if err := persister.StoreUser(user.User); err != nil {
				globals.AppLogger.Error("could not store user", "error", err)
				return
			}
			fmt.Println(user.Id)
		},
	}

	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete room or user",
		Long:  `delete removes the user or room with a given user/room id.`,
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Delete room",
		Long:  `delete room removes the room with the given id including its memberships and messages.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room := types.Room{Id: args[0]}
			if err := persister.DeleteRoom(&room); err != nil {
				globals.AppLogger.Error("could not delete room", "error", err)
			}
		},
	}
	var cmdDeleteUser = &cobra.Command{
		Use:   "user [user id]",
		Short: "Delete user",
		Long:  `delete user marks the user with the given id as deleted, their messages stay attributed.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			user := types.User{Id: args[0]}
			if err := persister.DeleteUser(&user); err != nil {
				globals.AppLogger.Error("could not delete user", "error", err)
			}
		},
	}

	var cmdMember = &cobra.Command{
		Use:   "member",
		Short: "Manage room memberships",
	}
	var cmdMemberAdd = &cobra.Command{
		Use:   "add [room id] [user id...]",
		Short: "Add members to a room",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			added, firstTime, err := persister.UpsertMemberships(args[0], args[1:])
			if err != nil {
				globals.AppLogger.Error("could not add members", "error", err)
				return
			}
			globals.AppLogger.Info("members added", "room", args[0], "added", added, "first_time", firstTime)
		},
	}
	var cmdMemberRemove = &cobra.Command{
		Use:   "remove [room id] [user id...]",
		Short: "Remove members from a room",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := persister.MarkMembersLeft(args[0], args[1:]); err != nil {
				globals.AppLogger.Error("could not remove members", "error", err)
			}
		},
	}

	var cmdFriend = &cobra.Command{
		Use:   "friend [user id] [friend id]",
		Short: "Create a friend relation between two users",
		Args:  cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if _, _, err := persister.AddFriend(args[0], args[1]); err != nil {
				globals.AppLogger.Error("could not add friend", "error", err)
			}
		},
	}

	var cmdToken = &cobra.Command{
		Use:   "token [user id]",
		Short: "Sign a bearer token for a user",
		Long:  `token signs a first-party bearer token for the given user with the configured jwt secret.`,
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if globalConfig.JWTConfig.Secret == "" {
				globals.AppLogger.Error("no jwt secret configured")
				return
			}
			token, err := auth.SignToken(globalConfig.JWTConfig.Secret, args[0])
			if err != nil {
				globals.AppLogger.Error("could not sign token", "error", err)
				return
			}
			fmt.Println(token)
		},
	}

	var rootCmd = &cobra.Command{Use: "charli-chat-admin"}
	rootCmd.AddCommand(cmdShow, cmdSet, cmdDelete, cmdMember, cmdFriend, cmdToken)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowUsers, cmdShowUser)
	cmdSet.AddCommand(cmdSetRoom, cmdSetUser)
	cmdDelete.AddCommand(cmdDeleteRoom, cmdDeleteUser)
	cmdMember.AddCommand(cmdMemberAdd, cmdMemberRemove)
	_ = rootCmd.Execute()
}

func printJSON(v interface{}) {
	out, err := json.Marshal(v)
	if err != nil {
		globals.AppLogger.Error("could not marshal", "error", err)
		return
	}
	fmt.Println(string(out))
}

func decodeArg(arg string, out interface{}) error {
	var r io.Reader
	if arg == "-" {
		r = os.Stdin
	} else {
		r = bytes.NewReader([]byte(arg))
	}
	return json.NewDecoder(r).Decode(out)
}
